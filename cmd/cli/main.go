package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"script-harness/internal/harness"
	"script-harness/internal/mockdata"
	"script-harness/internal/platform"
	"script-harness/internal/sandbox"
	"script-harness/internal/storage"
)

var (
	serverURL    string
	apiKey       string
	identity     string
	timeout      time.Duration
	memoryMB     int64
	apiCalls     int64
	testDataFile string
	versionID    string
	stream       bool
	fixtures     string
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "harness-cli",
		Short:        "CLI client for script-harness",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("HARNESS_SERVER", "http://localhost:8080"), "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("HARNESS_API_KEY"), "API key")

	runCmd := &cobra.Command{
		Use:   "run [project-id]",
		Short: "Run a stored test script on the server",
		Args:  cobra.ExactArgs(1),
		RunE:  runRemote,
	}
	addRunFlags(runCmd)
	runCmd.Flags().StringVar(&versionID, "version", "", "Script version (default: latest)")
	runCmd.Flags().BoolVar(&stream, "stream", false, "Print log lines as they are emitted")
	runCmd.Flags().StringVar(&identity, "identity", os.Getenv("HARNESS_IDENTITY"), "Identity token forwarded to the platform API")
	root.AddCommand(runCmd)

	localCmd := &cobra.Command{
		Use:   "run-local [file]",
		Short: "Run a script file in-process against the mock platform",
		Args:  cobra.ExactArgs(1),
		RunE:  runLocal,
	}
	addRunFlags(localCmd)
	localCmd.Flags().StringVar(&fixtures, "fixtures", "", "Mock data fixtures file (default: built-in)")
	root.AddCommand(localCmd)

	root.AddCommand(&cobra.Command{
		Use:   "active",
		Short: "List running tests",
		RunE: func(_ *cobra.Command, _ []string) error {
			return call(http.MethodGet, "/tests/active", nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "inspect [execution-id]",
		Short: "Show the live context of a running test",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodGet, "/tests/"+args[0], nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "cancel [execution-id]",
		Short: "Cancel a running test",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodDelete, "/tests/"+args[0], nil)
		},
	})

	mockCmd := &cobra.Command{
		Use:   "mock-data",
		Short: "Read or replace mock platform collections",
	}
	mockCmd.AddCommand(&cobra.Command{
		Use:   "get [collection]",
		Short: "Print one collection, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 {
				return call(http.MethodGet, "/mock-data", nil)
			}
			return call(http.MethodGet, "/mock-data/"+args[0], nil)
		},
	})
	mockCmd.AddCommand(&cobra.Command{
		Use:   "set [collection] [file]",
		Short: "Replace a collection with the records in a JSON or YAML file",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			var records []mockdata.Record
			if err := readData(args[1], &records); err != nil {
				return err
			}
			return call(http.MethodPut, "/mock-data/"+args[0], records)
		},
	})
	root.AddCommand(mockCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Execution timeout (default: server setting)")
	cmd.Flags().Int64Var(&memoryMB, "memory", 0, "Memory limit in MB (default: server setting)")
	cmd.Flags().Int64Var(&apiCalls, "api-calls", 0, "API call limit (default: server setting)")
	cmd.Flags().StringVar(&testDataFile, "test-data", "", "JSON or YAML file exposed to the script as testData")
}

func buildRequest(projectID string) (harness.ExecutionRequest, error) {
	req := harness.ExecutionRequest{ProjectID: projectID, VersionID: versionID}
	if testDataFile != "" {
		if err := readData(testDataFile, &req.TestData); err != nil {
			return req, err
		}
	}

	cfg := &harness.ExecutionConfig{}
	if timeout > 0 {
		ms := timeout.Milliseconds()
		cfg.TimeoutMs = &ms
	}
	if memoryMB > 0 {
		b := memoryMB << 20
		cfg.MemoryLimitBytes = &b
	}
	if apiCalls > 0 {
		cfg.APICallLimit = &apiCalls
	}
	if cfg.TimeoutMs != nil || cfg.MemoryLimitBytes != nil || cfg.APICallLimit != nil {
		req.Config = cfg
	}
	return req, nil
}

func runRemote(_ *cobra.Command, args []string) error {
	req, err := buildRequest(args[0])
	if err != nil {
		return err
	}

	path := "/tests"
	if stream {
		path = "/tests/stream"
	}
	resp, err := do(http.MethodPost, path, req, 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result map[string]any
	if stream {
		result, err = readStream(resp.Body)
		if err != nil {
			return err
		}
	} else if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	printJSON(result)
	return exitStatus(resp.StatusCode, result["status"])
}

// readStream prints "log" events as they arrive and returns the decoded
// "done" payload.
func readStream(body io.Reader) (map[string]any, error) {
	var event string
	var data []string
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case line == "":
			payload := strings.Join(data, "\n")
			switch event {
			case "log":
				fmt.Fprintln(os.Stderr, payload)
			case "error":
				return nil, fmt.Errorf("run rejected: %s", payload)
			case "done":
				var out map[string]any
				if err := json.Unmarshal([]byte(payload), &out); err != nil {
					return nil, fmt.Errorf("decoding %s event: %w", event, err)
				}
				return out, nil
			}
			event, data = "", nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading stream: %w", err)
	}
	return nil, fmt.Errorf("stream ended without a result")
}

func runLocal(cmd *cobra.Command, args []string) error {
	src, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	// Keep script output readable: only warnings and up from the harness.
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	store, err := mockdata.NewSeededStore(fixtures)
	if err != nil {
		return err
	}
	scripts := storage.NewMemoryStore()
	if err := scripts.PutScript(cmd.Context(), &storage.Script{
		ProjectID: "local",
		VersionID: "local",
		Filename:  filepath.Base(args[0]),
		Source:    string(src),
	}); err != nil {
		return err
	}

	manager := sandbox.NewManager(platform.New(store, platform.Config{}), sandbox.DefaultOptions())
	svc := harness.NewService(manager, store, scripts, nil, harness.Options{})
	defer svc.Close(context.Background())

	req, err := buildRequest("local")
	if err != nil {
		return err
	}
	req.VersionID = "local"

	result, err := svc.StreamTest(cmd.Context(), req, func(line string) {
		fmt.Fprintln(os.Stderr, line)
	})
	if err != nil {
		return err
	}

	printJSON(result)
	return exitStatus(http.StatusOK, string(result.Status))
}

func runHealth(_ *cobra.Command, _ []string) error {
	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)
	printJSON(result)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: %s", resp.Status)
	}
	return nil
}

// call sends one request and pretty-prints the JSON response.
func call(method, path string, payload any) error {
	resp, err := do(method, path, payload, 10*time.Second)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	printJSON(result)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	return nil
}

func do(method, path string, payload any, clientTimeout time.Duration) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if identity != "" {
		req.Header.Set("X-Identity-Token", identity)
	}

	client := &http.Client{Timeout: clientTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// readData decodes a JSON or YAML file into v.
func readData(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(data, v)
	} else {
		err = yaml.Unmarshal(data, v)
	}
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// exitStatus turns a non-passing run into a command error so the CLI exits
// non-zero.
func exitStatus(httpStatus int, status any) error {
	if httpStatus >= 400 {
		return fmt.Errorf("request rejected: HTTP %d", httpStatus)
	}
	if status != string(sandbox.StatusPassed) {
		return fmt.Errorf("test %v", status)
	}
	return nil
}

func printJSON(v any) {
	formatted, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(formatted))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
