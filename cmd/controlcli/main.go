// controlcli is an interactive operator console for a running controller
// process. It issues spec.md section 6 Services (sync_now, force_charge,
// restore_normal, ...) against the controller's loopback admin API and
// prints each service's response. The readline-driven REPL loop is
// grounded in the teacher's debugWorker: a readline.Instance with
// persistent history, a command channel fed by a dedicated readline
// goroutine, and Ctrl+C triggering context cancellation rather than a
// hard process exit.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8732", "controller admin API base URL")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "pricesync> ",
		HistoryFile: historyFilePath(),
	})
	if err != nil {
		log.Fatalf("controlcli: readline init failed: %v", err)
	}
	defer rl.Close()

	client := &adminClient{base: *addr, http: &http.Client{Timeout: 10 * time.Second}}

	commandChan := make(chan string, 10)
	go readlineLoop(ctx, cancel, rl, commandChan)

	fmt.Println("controlcli connected to", *addr, "- type 'help' for commands")
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-commandChan:
			handleCommand(cmd, client)
		}
	}
}

func historyFilePath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(cacheDir, "pricesync")
	_ = os.MkdirAll(dir, 0750)
	return filepath.Join(dir, "controlcli_history")
}

func readlineLoop(ctx context.Context, cancel context.CancelFunc, rl *readline.Instance, commandChan chan<- string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			cancel()
			return
		}
		if err != nil {
			cancel()
			return
		}
		line = strings.TrimSpace(line)
		if line != "" {
			commandChan <- line
		}
	}
}

// adminClient invokes a Service on the controller's loopback admin API by
// POSTing its JSON params to /services/<name>.
type adminClient struct {
	base string
	http *http.Client
}

func (a *adminClient) invoke(name string, params map[string]interface{}) (map[string]interface{}, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Post(a.base+"/services/"+name, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("service %q failed: %s", name, strings.TrimSpace(string(raw)))
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// handleCommand maps one REPL line onto a Service invocation, per
// spec.md section 6's Services list.
func handleCommand(line string, client *adminClient) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return
	}

	switch parts[0] {
	case "help":
		printHelp()
	case "sync_now":
		invokeAndPrint(client, "sync_now", nil)
	case "sync_tou":
		invokeAndPrint(client, "sync_tou", nil)
	case "restore_normal":
		invokeAndPrint(client, "restore_normal", nil)
	case "restore_inverter":
		invokeAndPrint(client, "restore_inverter", nil)
	case "force_charge":
		invokeAndPrint(client, "force_charge", map[string]interface{}{"duration": argOr(parts, 1, "30m")})
	case "force_discharge":
		invokeAndPrint(client, "force_discharge", map[string]interface{}{"duration": argOr(parts, 1, "30m")})
	case "set_backup_reserve":
		pct, err := strconv.ParseFloat(argOr(parts, 1, "20"), 64)
		if err != nil {
			fmt.Println("error: percent must be a number:", err)
			return
		}
		invokeAndPrint(client, "set_backup_reserve", map[string]interface{}{"percent": pct})
	case "set_operation_mode":
		invokeAndPrint(client, "set_operation_mode", map[string]interface{}{"mode": argOr(parts, 1, "self_consumption")})
	case "set_grid_export":
		invokeAndPrint(client, "set_grid_export", map[string]interface{}{"rule": argOr(parts, 1, "battery_ok")})
	case "set_grid_charging":
		invokeAndPrint(client, "set_grid_charging", map[string]interface{}{"enabled": argOr(parts, 1, "true")})
	case "curtail_inverter":
		invokeAndPrint(client, "curtail_inverter", map[string]interface{}{"mode": argOr(parts, 1, "manual")})
	case "get_calendar_history":
		invokeAndPrint(client, "get_calendar_history", map[string]interface{}{"period": argOr(parts, 1, "today")})
	default:
		fmt.Printf("unknown command: %s (try 'help')\n", parts[0])
	}
}

func argOr(parts []string, i int, def string) string {
	if i < len(parts) {
		return parts[i]
	}
	return def
}

func invokeAndPrint(client *adminClient, name string, params map[string]interface{}) {
	out, err := client.invoke(name, params)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if out == nil {
		fmt.Println("ok")
		return
	}
	pretty, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(pretty))
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  sync_now                                 - run an out-of-schedule tariff sync")
	fmt.Println("  sync_tou                                  - run an out-of-schedule tariff sync (same as sync_now)")
	fmt.Println("  force_charge [duration]                  - enter force-charge mode (default 30m)")
	fmt.Println("  force_discharge [duration]                - enter force-discharge mode (default 30m)")
	fmt.Println("  restore_normal                            - exit force mode early")
	fmt.Println("  set_backup_reserve <percent>              - set the battery backup reserve")
	fmt.Println("  set_operation_mode <mode>                  - set the battery operation mode")
	fmt.Println("  set_grid_export <rule>                    - set the battery export rule")
	fmt.Println("  set_grid_charging <true|false>            - enable or disable grid charging")
	fmt.Println("  curtail_inverter [mode]                    - manually curtail the AC-coupled inverter")
	fmt.Println("  restore_inverter                          - clear a manual inverter curtailment")
	fmt.Println("  get_calendar_history [period]               - show the locally stored battery health (no sync history is kept)")
	fmt.Println("  help                                       - show this help")
}
