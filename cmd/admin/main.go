package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "sync":
		handleSync(args)
	case "message":
		handleMessage(args)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func handleSync(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: orgbridge-admin sync <start|status|list|cancel|watch>")
		return
	}

	subCmd := args[0]
	switch subCmd {
	case "start":
		startSync(args[1:])
	case "status":
		syncStatus(args[1:])
	case "list":
		listSyncRuns(args[1:])
	case "cancel":
		cancelSync(args[1:])
	case "watch":
		watchSync(args[1:])
	default:
		fmt.Printf("unknown sync command: %s\n", subCmd)
	}
}

func handleMessage(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: orgbridge-admin message <send>")
		return
	}

	subCmd := args[0]
	switch subCmd {
	case "send":
		sendMessage(args[1:])
	default:
		fmt.Printf("unknown message command: %s\n", subCmd)
	}
}

// Sync commands
func startSync(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	app := fs.String("app", "", "application key")

	fs.Parse(args)

	if *app == "" {
		fmt.Println("Error: app is required")
		fs.PrintDefaults()
		return
	}

	req, _ := http.NewRequest("POST", getAPIURL()+"/api/sync/"+*app, nil)
	addAuthHeader(req)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&result)
	switch resp.StatusCode {
	case http.StatusAccepted:
		fmt.Printf("✓ Sync started: %v\n", result["run_id"])
	case http.StatusConflict:
		fmt.Printf("✗ A sync is already running for %s\n", *app)
	default:
		fmt.Printf("✗ Sync failed: %v\n", result)
	}
}

func syncStatus(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: orgbridge-admin sync status <run-id>")
		return
	}

	run, err := fetchRun(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	printRuns([]map[string]interface{}{run})
}

func listSyncRuns(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	app := fs.String("app", "", "application key")
	limit := fs.Int("limit", 20, "max runs to list")

	fs.Parse(args)

	if *app == "" {
		fmt.Println("Error: app is required")
		fs.PrintDefaults()
		return
	}

	q := url.Values{}
	q.Set("app_key", *app)
	q.Set("limit", fmt.Sprintf("%d", *limit))

	req, _ := http.NewRequest("GET", getAPIURL()+"/api/sync/runs?"+q.Encode(), nil)
	addAuthHeader(req)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer resp.Body.Close()

	var runs []map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&runs)
	printRuns(runs)
}

func cancelSync(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: orgbridge-admin sync cancel <run-id>")
		return
	}

	req, _ := http.NewRequest("DELETE", getAPIURL()+"/api/sync/runs/"+args[0], nil)
	addAuthHeader(req)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		fmt.Printf("✓ Cancel requested for %s\n", args[0])
	} else {
		fmt.Printf("✗ Run not found or already finished: %s\n", args[0])
	}
}

// watchSync polls the run until it leaves the running state
func watchSync(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: orgbridge-admin sync watch <run-id>")
		return
	}

	for {
		run, err := fetchRun(args[0])
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		status, _ := run["status"].(string)
		fmt.Printf("%s  status=%s counts=%v\n", time.Now().Format("15:04:05"), status, run["counts"])
		if status != "running" {
			return
		}
		time.Sleep(2 * time.Second)
	}
}

// Message commands
func sendMessage(args []string) {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	app := fs.String("app", "", "application key")
	users := fs.String("users", "", "comma-separated remote user IDs")
	depts := fs.String("depts", "", "comma-separated remote department IDs")
	all := fs.Bool("all", false, "send to the whole directory")
	msg := fs.String("msg", "", "message payload as JSON, e.g. '{\"msgtype\":\"text\",\"text\":{\"content\":\"hi\"}}'")

	fs.Parse(args)

	if *app == "" || *msg == "" {
		fmt.Println("Error: app and msg are required")
		fs.PrintDefaults()
		return
	}

	payload := map[string]interface{}{
		"msg":    json.RawMessage(*msg),
		"to_all": *all,
	}
	if *users != "" {
		payload["user_ids"] = strings.Split(*users, ",")
	}
	if *depts != "" {
		payload["dept_ids"] = strings.Split(*depts, ",")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		fmt.Printf("Error: invalid msg JSON: %v\n", err)
		return
	}

	req, _ := http.NewRequest("POST", getAPIURL()+"/api/apps/"+*app+"/messages", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	addAuthHeader(req)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&result)
	if resp.StatusCode == http.StatusAccepted {
		fmt.Printf("✓ Message queued: task %v\n", result["task_id"])
	} else {
		fmt.Printf("✗ Send failed: %v\n", result)
	}
}

// Helper functions
func fetchRun(runID string) (map[string]interface{}, error) {
	req, _ := http.NewRequest("GET", getAPIURL()+"/api/sync/runs/"+runID, nil)
	addAuthHeader(req)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("run not found: %s", runID)
	}

	var run map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, err
	}
	return run, nil
}

func printRuns(runs []map[string]interface{}) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tAPP\tSTATUS\tSTARTED\tFINISHED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%v\n",
			r["id"], r["app_key"], r["status"], r["started_at"], orDash(r["finished_at"]), orDash(r["error"]))
	}
	w.Flush()
}

func orDash(v interface{}) string {
	s, _ := v.(string)
	if s == "" {
		return "-"
	}
	return s
}

func getAPIURL() string {
	if url := os.Getenv("ORGBRIDGE_API"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

func addAuthHeader(req *http.Request) {
	token := os.Getenv("ORGBRIDGE_TOKEN")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func printUsage() {
	fmt.Print(`OrgBridge admin CLI

Usage:
  orgbridge-admin <command> [options]

Commands:
  sync     Directory sync operations (start, status, list, cancel, watch)
  message  Work notification operations (send)
  help     Show this help message

Environment Variables:
  ORGBRIDGE_API    API endpoint (default: http://localhost:8080)
  ORGBRIDGE_TOKEN  Bearer token for authenticated endpoints

Examples:
  orgbridge-admin sync start -app appkey-hr
  orgbridge-admin sync list -app appkey-hr -limit 5
  orgbridge-admin sync watch 2f1f7f4e-...
  orgbridge-admin message send -app appkey-hr -users u1,u2 -msg '{"msgtype":"text","text":{"content":"hi"}}'
`)
}
