// aegisvmctl is the CLI for the VM fleet daemon.
//
// Commands:
//
//	aegisvmctl list                 List discovered VMs
//	aegisvmctl show <id>             Show a VM's details
//	aegisvmctl start <id>            Start a VM
//	aegisvmctl stop <id>             Stop a VM
//	aegisvmctl restart <id>          Restart a VM
//	aegisvmctl create <os> <ver>     Create a VM from a quickget template
//	aegisvmctl console <id>          Open a console session and print its token/URL
//	aegisvmctl metrics <id>          Show the latest resource sample
//	aegisvmctl version               Print the CLI version
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xfeldman/aegisvm/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "list":
		cmdList()
	case "show":
		cmdShow()
	case "start":
		cmdStart()
	case "stop":
		cmdStop()
	case "restart":
		cmdRestart()
	case "create":
		cmdCreate()
	case "console":
		cmdConsole()
	case "metrics":
		cmdMetrics()
	case "version", "--version", "-v":
		fmt.Printf("aegisvmctl %s\n", version.Version())
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Usage: aegisvmctl <command> [args]

Commands:
  list                List discovered VMs
  show <id>            Show a VM's details
  start <id>           Start a VM
  stop <id>            Stop a VM
  restart <id>         Restart a VM
  create <os> <ver>    Create a VM from a quickget template
  console <id>         Open a console session
  metrics <id>         Show the latest resource sample`)
}

func socketPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".aegisvm", "aegisvmd.sock")
}

func httpClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.DialTimeout("unix", socketPath(), 5*time.Second)
			},
		},
	}
}

// baseURL is a placeholder host; the unix-socket dialer ignores it.
const baseURL = "http://aegisvmd"

func requireArg(n int, name string) string {
	if len(os.Args) <= n {
		fmt.Fprintf(os.Stderr, "missing argument: %s\n", name)
		os.Exit(1)
	}
	return os.Args[n]
}

func cmdList() {
	resp, err := httpClient().Get(baseURL + "/v1/vms")
	must(err)
	defer resp.Body.Close()
	printJSON(resp)
}

func cmdShow() {
	id := requireArg(2, "id")
	resp, err := httpClient().Get(baseURL + "/v1/vms/" + id)
	must(err)
	defer resp.Body.Close()
	printJSON(resp)
}

func cmdStart() {
	id := requireArg(2, "id")
	resp, err := httpClient().Post(baseURL+"/v1/vms/"+id+"/start", "application/json", nil)
	must(err)
	defer resp.Body.Close()
	printJSON(resp)
}

func cmdStop() {
	id := requireArg(2, "id")
	resp, err := httpClient().Post(baseURL+"/v1/vms/"+id+"/stop", "application/json", nil)
	must(err)
	defer resp.Body.Close()
	printJSON(resp)
}

func cmdRestart() {
	id := requireArg(2, "id")
	resp, err := httpClient().Post(baseURL+"/v1/vms/"+id+"/restart", "application/json", nil)
	must(err)
	defer resp.Body.Close()
	printJSON(resp)
}

func cmdCreate() {
	osName := requireArg(2, "os")
	osVersion := requireArg(3, "version")
	name := osName + "-" + osVersion

	body := fmt.Sprintf(`{"os":%q,"version":%q,"name":%q,"out_dir":%q}`,
		osName, osVersion, name, filepath.Join(os.Getenv("HOME"), "VMs", name))

	resp, err := httpClient().Post(baseURL+"/v1/vms", "application/json", strings.NewReader(body))
	must(err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		fmt.Println(scanner.Text())
	}
}

func cmdConsole() {
	id := requireArg(2, "id")
	resp, err := httpClient().Post(baseURL+"/v1/vms/"+id+"/console", "application/json", strings.NewReader(`{"protocol":"spice"}`))
	must(err)
	defer resp.Body.Close()
	printJSON(resp)
}

func cmdMetrics() {
	id := requireArg(2, "id")
	resp, err := httpClient().Get(baseURL + "/v1/vms/" + id + "/metrics")
	must(err)
	defer resp.Body.Close()
	printJSON(resp)
}

func printJSON(resp *http.Response) {
	var v any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "aegisvmctl: %v\n", err)
		os.Exit(1)
	}
}
