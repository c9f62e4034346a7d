package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/danmuck/inquest/internal/config"
)

type options struct {
	mode string

	// template / validate
	kind   string
	output string
	input  string
	force  bool

	// client modes
	addr   string
	token  string
	file   string
	id     string
	entity string
}

func main() {
	opts := parseFlags()
	var err error
	switch opts.mode {
	case "template":
		err = runTemplate(opts)
	case "validate":
		err = runValidate(opts)
	case "submit":
		err = runSubmit(opts)
	case "status":
		err = runGet(opts, "/api/v1/inquiries/"+opts.id)
	case "cancel":
		err = runCancel(opts)
	case "records":
		err = runGet(opts, "/api/v1/inquiries/"+opts.id+"/records")
	case "belief":
		err = runGet(opts, "/api/v1/beliefs?entity="+url.QueryEscape(opts.entity))
	case "health":
		err = runGet(opts, "/healthz")
	default:
		fatalf("unknown mode %q (supported: template, validate, submit, status, cancel, records, belief, health)", opts.mode)
	}
	if err != nil {
		fatalf("%v", err)
	}
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.mode, "mode", "health", "operation: template|validate|submit|status|cancel|records|belief|health")
	flag.StringVar(&opts.kind, "kind", "node", "template kind: node|policy|axioms")
	flag.StringVar(&opts.output, "output", "", "output path for config template")
	flag.StringVar(&opts.input, "input", "cmd/inquestd/config.toml", "config path for validation")
	flag.BoolVar(&opts.force, "force", false, "overwrite existing config file")
	flag.StringVar(&opts.addr, "addr", "http://localhost:7400", "node base URL")
	flag.StringVar(&opts.token, "token", "", "bearer token for authenticated calls")
	flag.StringVar(&opts.file, "file", "", "inquiry manifest path (submit)")
	flag.StringVar(&opts.id, "id", "", "inquiry id (status, cancel, records)")
	flag.StringVar(&opts.entity, "entity", "", "belief entity, e.g. rack1/temperature")
	flag.Parse()
	return opts
}

func runTemplate(opts options) error {
	target := opts.output
	if target == "" {
		switch opts.kind {
		case "node":
			target = "cmd/inquestd/config.toml"
		case "policy":
			target = "cmd/inquestd/policy.toml"
		case "axioms":
			target = "cmd/inquestd/axioms.toml"
		default:
			return fmt.Errorf("unknown kind: %s", opts.kind)
		}
	}
	if err := config.WriteTemplate(target, opts.kind, opts.force); err != nil {
		return err
	}
	fmt.Printf("wrote %s template to %s\n", opts.kind, target)
	return nil
}

func runValidate(opts options) error {
	if _, err := config.LoadNodeConfig(opts.input); err != nil {
		return err
	}
	fmt.Printf("validated node config at %s\n", opts.input)
	return nil
}

func runSubmit(opts options) error {
	if opts.file == "" {
		return fmt.Errorf("submit requires -file")
	}
	body, err := os.ReadFile(opts.file)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, opts.addr+"/api/v1/inquiries", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/yaml")
	return do(req, opts.token)
}

func runCancel(opts options) error {
	if opts.id == "" {
		return fmt.Errorf("cancel requires -id")
	}
	req, err := http.NewRequest(http.MethodPost, opts.addr+"/api/v1/inquiries/"+opts.id+"/cancel", nil)
	if err != nil {
		return err
	}
	return do(req, opts.token)
}

func runGet(opts options, path string) error {
	req, err := http.NewRequest(http.MethodGet, opts.addr+path, nil)
	if err != nil {
		return err
	}
	return do(req, opts.token)
}

func do(req *http.Request, token string) error {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", resp.Proto, resp.Status)
	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		os.Stdout.Write(body)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "inquestctl: "+format+"\n", args...)
	os.Exit(1)
}
