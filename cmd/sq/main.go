package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
)

type ipcRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// ipcResponse covers every reply the gateway sends; unused fields stay
// empty per command.
type ipcResponse struct {
	OK         bool            `json:"ok,omitempty"`
	Error      string          `json:"error,omitempty"`
	SwarmID    string          `json:"swarm_id,omitempty"`
	Status     string          `json:"status,omitempty"`
	Workers    int             `json:"workers,omitempty"`
	Swarm      *swarmView      `json:"swarm,omitempty"`
	Swarms     []historyRow    `json:"swarms,omitempty"`
	Solvers    []solverRow     `json:"solvers,omitempty"`
	Breakers   []breakerRow    `json:"breakers,omitempty"`
	Comparison *comparisonView `json:"comparison,omitempty"`
}

type swarmView struct {
	ID             string          `json:"id"`
	ProblemID      string          `json:"problem_id"`
	Pattern        string          `json:"pattern"`
	Status         string          `json:"status"`
	OverallPercent float64         `json:"overall_percent"`
	Workers        []workerView    `json:"workers"`
	Best           *resultView     `json:"best"`
	Ranking        *comparisonView `json:"ranking"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at"`
}

type workerView struct {
	ID        string   `json:"id"`
	Solver    string   `json:"solver"`
	Status    string   `json:"status"`
	Percent   float64  `json:"percent"`
	Phase     string   `json:"phase"`
	Objective *float64 `json:"objective"`
	Message   string   `json:"message"`
}

type resultView struct {
	Solver    string   `json:"solver"`
	Status    string   `json:"status"`
	Objective *float64 `json:"objective"`
}

type comparisonView struct {
	Best       string      `json:"best"`
	Confidence float64     `json:"confidence"`
	Rationale  string      `json:"rationale"`
	Scores     []scoreView `json:"scores"`
}

type scoreView struct {
	Solver     string  `json:"solver"`
	Total      float64 `json:"total"`
	Rank       int     `json:"rank"`
	Percentile float64 `json:"percentile"`
}

type historyRow struct {
	ID            string   `json:"id"`
	Problem       string   `json:"problem"`
	Pattern       string   `json:"pattern"`
	Status        string   `json:"status"`
	Started       string   `json:"started"`
	Completed     string   `json:"completed"`
	BestSolver    string   `json:"best_solver"`
	BestObjective *float64 `json:"best_objective"`
}

type solverRow struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Available   bool   `json:"available"`
	Description string `json:"description"`
}

type breakerRow struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

func sendIPC(natsURL, client, reqType string, payload map[string]any) (*ipcResponse, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	topic := fmt.Sprintf("host.ipc.%s", client)
	data, err := json.Marshal(ipcRequest{Type: reqType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := conn.Request(topic, data, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}

	var resp ipcResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// boolFlags take no value; every other flag consumes the next argument.
var boolFlags = map[string]bool{"wait": true}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" {
			name := args[i][2:]
			if boolFlags[name] {
				result[name] = "true"
				continue
			}
			if i+1 < len(args) {
				result[name] = args[i+1]
				i++
			}
		}
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  sq submit --model <file|-> [--format lp|mps|json] [--sense minimize|maximize]`)
	fmt.Fprintln(os.Stderr, `            [--name "..."] [--pattern competitive|collaborative|peer_to_peer]`)
	fmt.Fprintln(os.Stderr, `            [--count N] [--solvers a,b,c] [--pool name] [--timeout seconds] [--wait]`)
	fmt.Fprintln(os.Stderr, `  sq status --id <swarm>`)
	fmt.Fprintln(os.Stderr, `  sq monitor --id <swarm>`)
	fmt.Fprintln(os.Stderr, `  sq terminate --id <swarm> [--reason "..."]`)
	fmt.Fprintln(os.Stderr, `  sq history [--limit N]`)
	fmt.Fprintln(os.Stderr, `  sq solvers`)
	fmt.Fprintln(os.Stderr, `  sq breakers`)
	fmt.Fprintln(os.Stderr, `  sq compare --file <results.json> [--sense minimize|maximize]`)
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}
	client := os.Getenv("SMINOS_IPC_CLIENT")
	if client == "" {
		client = "sq"
	}

	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	rest := os.Args[2:]

	switch command {
	case "submit":
		cmdSubmit(natsURL, client, rest)
	case "status":
		cmdStatus(natsURL, client, rest)
	case "monitor":
		args := parseArgs(rest)
		if args["id"] == "" {
			fatal("--id is required")
		}
		monitorSwarm(natsURL, client, args["id"])
	case "terminate":
		cmdTerminate(natsURL, client, rest)
	case "history":
		cmdHistory(natsURL, client, rest)
	case "solvers":
		cmdSolvers(natsURL, client)
	case "breakers":
		cmdBreakers(natsURL, client)
	case "compare":
		cmdCompare(natsURL, client, rest)
	default:
		fatal("unknown command: %s", command)
	}
}

func cmdSubmit(natsURL, client string, rest []string) {
	args := parseArgs(rest)
	if args["model"] == "" {
		fatal("--model is required (path to a model file, or - for stdin)")
	}

	model, err := readModel(args["model"])
	if err != nil {
		fatal("read model: %v", err)
	}

	format := args["format"]
	if format == "" {
		format = formatFromPath(args["model"])
	}
	pattern := args["pattern"]
	if pattern == "" {
		pattern = "competitive"
	}

	count := 0
	if args["count"] != "" {
		count, err = strconv.Atoi(args["count"])
		if err != nil {
			fatal("--count must be a number")
		}
	}
	var solvers []string
	if args["solvers"] != "" {
		solvers = strings.Split(args["solvers"], ",")
	}
	if count == 0 && len(solvers) == 0 {
		count = 3
	}

	spec := map[string]any{"model": model, "format": format}
	if args["sense"] != "" {
		spec["sense"] = args["sense"]
	}
	if args["name"] != "" {
		spec["name"] = args["name"]
	}

	payload := map[string]any{
		"problem":      spec,
		"pattern":      pattern,
		"solver_count": count,
	}
	if len(solvers) > 0 {
		payload["solvers"] = solvers
	}
	if args["pool"] != "" {
		payload["pool"] = args["pool"]
	}
	if args["timeout"] != "" {
		secs, err := strconv.Atoi(args["timeout"])
		if err != nil {
			fatal("--timeout must be seconds")
		}
		payload["timeout_seconds"] = secs
	}

	resp, err := sendIPC(natsURL, client, "submit_swarm", payload)
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}
	fmt.Printf("Swarm %s submitted (%s, %d workers)\n", resp.SwarmID, pattern, resp.Workers)

	if args["wait"] == "true" {
		monitorSwarm(natsURL, client, resp.SwarmID)
	}
}

func readModel(path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	}
	data, err := os.ReadFile(path)
	return string(data), err
}

func formatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mps":
		return "mps"
	case ".json":
		return "json"
	default:
		return "lp"
	}
}

func cmdStatus(natsURL, client string, rest []string) {
	args := parseArgs(rest)
	if args["id"] == "" {
		fatal("--id is required")
	}
	resp, err := sendIPC(natsURL, client, "swarm_status", map[string]any{"id": args["id"]})
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}
	printSwarm(resp.Swarm)
}

func cmdTerminate(natsURL, client string, rest []string) {
	args := parseArgs(rest)
	if args["id"] == "" {
		fatal("--id is required")
	}
	payload := map[string]any{"id": args["id"]}
	if args["reason"] != "" {
		payload["reason"] = args["reason"]
	}
	resp, err := sendIPC(natsURL, client, "terminate_swarm", payload)
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}
	fmt.Printf("Swarm %s %s\n", args["id"], resp.Status)
}

func cmdHistory(natsURL, client string, rest []string) {
	args := parseArgs(rest)
	payload := map[string]any{}
	if args["limit"] != "" {
		limit, err := strconv.Atoi(args["limit"])
		if err != nil {
			fatal("--limit must be a number")
		}
		payload["limit"] = limit
	}
	resp, err := sendIPC(natsURL, client, "swarm_history", payload)
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}
	if len(resp.Swarms) == 0 {
		fmt.Println("No archived swarms.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPATTERN\tBEST\tOBJECTIVE\tSTARTED")
	for _, run := range resp.Swarms {
		obj := ""
		if run.BestObjective != nil {
			obj = strconv.FormatFloat(*run.BestObjective, 'g', -1, 64)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(run.ID), run.Status, run.Pattern, run.BestSolver, obj, run.Started)
	}
	w.Flush()
}

func cmdSolvers(natsURL, client string) {
	resp, err := sendIPC(natsURL, client, "list_solvers", map[string]any{})
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}
	if len(resp.Solvers) == 0 {
		fmt.Println("No solvers registered.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tAVAILABLE\tDESCRIPTION")
	for _, sv := range resp.Solvers {
		avail := "no"
		if sv.Available {
			avail = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", sv.ID, sv.Kind, avail, sv.Description)
	}
	w.Flush()
}

func cmdBreakers(natsURL, client string) {
	resp, err := sendIPC(natsURL, client, "breaker_status", map[string]any{})
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CATEGORY\tSTATE\tFAILURES")
	for _, b := range resp.Breakers {
		fmt.Fprintf(w, "%s\t%s\t%d\n", b.Name, b.State, b.Failures)
	}
	w.Flush()
}

func cmdCompare(natsURL, client string, rest []string) {
	args := parseArgs(rest)
	if args["file"] == "" {
		fatal("--file is required (JSON array of solver results)")
	}
	data, err := os.ReadFile(args["file"])
	if err != nil {
		fatal("read results: %v", err)
	}
	var results []map[string]any
	if err := json.Unmarshal(data, &results); err != nil {
		fatal("parse results: %v", err)
	}

	payload := map[string]any{"results": results}
	if args["sense"] != "" {
		payload["sense"] = args["sense"]
	}
	resp, err := sendIPC(natsURL, client, "compare_results", payload)
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}
	printComparison(resp.Comparison)
}

// monitorSwarm follows a swarm's event stream until it reaches a terminal
// state, then prints the final standing. Exits nonzero unless the swarm
// completed.
func monitorSwarm(natsURL, client, id string) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		fatal("connect to nats: %v", err)
	}
	defer conn.Close()

	done := make(chan string, 1)
	_, err = conn.Subscribe(fmt.Sprintf("events.swarm.%s", id), func(msg *nats.Msg) {
		var ev struct {
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		printEvent(ev.Type, ev.Data)
		switch ev.Type {
		case "swarm_completed", "swarm_failed", "swarm_timeout", "swarm_cancelled":
			select {
			case done <- strings.TrimPrefix(ev.Type, "swarm_"):
			default:
			}
		}
	})
	if err != nil {
		fatal("subscribe: %v", err)
	}
	conn.Flush()

	// The swarm may already be terminal; check once after subscribing so
	// no final event slips between the status read and the subscription.
	status := ""
	if resp, err := sendIPC(natsURL, client, "swarm_status", map[string]any{"id": id}); err == nil && resp.Error == "" && resp.Swarm != nil {
		if terminalStatus(resp.Swarm.Status) {
			status = resp.Swarm.Status
		} else {
			fmt.Printf("Monitoring swarm %s (%s, %.0f%%)\n", resp.Swarm.ID, resp.Swarm.Status, resp.Swarm.OverallPercent)
		}
	}
	if status == "" {
		status = <-done
	}

	resp, err := sendIPC(natsURL, client, "swarm_status", map[string]any{"id": id})
	if err == nil && resp.Error == "" && resp.Swarm != nil {
		printSwarm(resp.Swarm)
	} else {
		fmt.Printf("Swarm %s %s\n", id, status)
	}
	if status != "completed" {
		os.Exit(1)
	}
}

func terminalStatus(s string) bool {
	switch s {
	case "completed", "failed", "cancelled", "timeout":
		return true
	}
	return false
}

func printEvent(evType string, data map[string]any) {
	// Worker progress frames are too chatty for a terminal stream.
	if evType == "progress" {
		return
	}
	line := "  " + evType
	if w, ok := data["worker"].(string); ok && w != "" {
		line += "  " + w
	}
	if s, ok := data["solver"].(string); ok && s != "" {
		line += " (" + s + ")"
	}
	if obj, ok := data["objective"].(float64); ok {
		line += fmt.Sprintf("  objective=%g", obj)
	}
	if reason, ok := data["reason"].(string); ok && reason != "" {
		line += "  " + reason
	}
	fmt.Println(line)
}

func printSwarm(s *swarmView) {
	if s == nil {
		fmt.Println("No swarm data.")
		return
	}
	fmt.Printf("Swarm %s  %s  %s  %.0f%%\n", shortID(s.ID), s.Pattern, s.Status, s.OverallPercent)
	for _, w := range s.Workers {
		line := fmt.Sprintf("  %-12s %-10s %5.1f%%", w.Solver, w.Status, w.Percent)
		if w.Objective != nil {
			line += fmt.Sprintf("  objective=%g", *w.Objective)
		}
		if w.Message != "" {
			line += "  " + w.Message
		}
		fmt.Println(line)
	}
	if s.Best != nil {
		obj := ""
		if s.Best.Objective != nil {
			obj = fmt.Sprintf(" objective=%g", *s.Best.Objective)
		}
		fmt.Printf("Best: %s (%s)%s\n", s.Best.Solver, s.Best.Status, obj)
	}
	printComparison(s.Ranking)
}

func printComparison(c *comparisonView) {
	if c == nil {
		return
	}
	fmt.Printf("Ranking (confidence %.2f):\n", c.Confidence)
	for _, sc := range c.Scores {
		fmt.Printf("  %d. %-12s total=%.3f percentile=%.0f\n", sc.Rank, sc.Solver, sc.Total, sc.Percentile)
	}
	if c.Rationale != "" {
		fmt.Println(c.Rationale)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
