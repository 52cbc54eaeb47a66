// Package main provides hwctl, an operator utility for talking to a
// running hiddenwired node over its loopback ingress server. It never
// touches the network directly; every command is a plain HTTP request
// against 127.0.0.1.
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "Local ingress server address")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hwctl version %s (built %s)\n", version, buildTime)
		fmt.Println("Operator utility for the hiddenwire node's local ingress server")
		os.Exit(0)
	}

	if len(flag.Args()) == 0 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Args()[0]
	if err := executeCommand(command, *addr, flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("hwctl - Operator utility for a running hiddenwire node")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  hwctl [options] <command> [args...]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -addr <address>  Local ingress server address (default: 127.0.0.1:8080)")
	fmt.Println("  -version         Show version information")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  health                      Check the node's local ingress health")
	fmt.Println("  import <fp> <onion> <pub>   Import a contact (pub is base64url, no padding)")
	fmt.Println("  invite <token>              Accept an invite token and print the issuer's contact card")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  hwctl health")
	fmt.Println("  hwctl -addr 127.0.0.1:34217 import AAAA... xyz.onion b64pubkey")
	fmt.Println("  hwctl invite abc123token")
}

func executeCommand(command, addr string, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}

	switch strings.ToLower(command) {
	case "health":
		return cmdHealth(client, addr)
	case "import":
		if len(args) != 3 {
			return fmt.Errorf("import command requires <fingerprint> <onion> <pub_b64>")
		}
		return cmdImport(client, addr, args[0], args[1], args[2])
	case "invite":
		if len(args) != 1 {
			return fmt.Errorf("invite command requires <token>")
		}
		return cmdInvite(client, addr, args[0])
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func baseURL(addr string) string {
	return "http://" + addr
}

func cmdHealth(client *http.Client, addr string) error {
	resp, err := client.Get(baseURL(addr) + "/v1/health")
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := decodeJSON(resp.Body)
	if err != nil {
		return err
	}
	fmt.Printf("status: %d\n", resp.StatusCode)
	fmt.Println(body)
	return nil
}

func cmdImport(client *http.Client, addr, fingerprint, onion, pubB64 string) error {
	if _, err := base64.RawURLEncoding.DecodeString(pubB64); err != nil {
		return fmt.Errorf("pub_b64 is not valid unpadded base64url: %w", err)
	}

	payload, err := json.Marshal(struct {
		Fingerprint string `json:"fingerprint"`
		Onion       string `json:"onion,omitempty"`
		PubB64      string `json:"pub_b64"`
	}{Fingerprint: fingerprint, Onion: onion, PubB64: pubB64})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	resp, err := client.Post(baseURL(addr)+"/v1/contact_import", "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := decodeJSON(resp.Body)
	if err != nil {
		return err
	}
	fmt.Printf("status: %d\n", resp.StatusCode)
	fmt.Println(body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("import rejected")
	}
	return nil
}

func cmdInvite(client *http.Client, addr, token string) error {
	resp, err := client.Get(baseURL(addr) + "/invite/" + token)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := decodeJSON(resp.Body)
	if err != nil {
		return err
	}
	fmt.Printf("status: %d\n", resp.StatusCode)
	fmt.Println(body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("invite not accepted")
	}
	return nil
}

// decodeJSON re-indents a JSON response body for readable terminal
// output, falling back to the raw body if it is not valid JSON.
func decodeJSON(r io.Reader) (string, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw), nil
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw), nil
	}
	return string(pretty), nil
}
