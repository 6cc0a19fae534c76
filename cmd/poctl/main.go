package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/RemiBp/ProofOrigin/pkg/verify"
)

const usage = "usage: poctl proof verify --artifact <path> [--content <path>] [--root <hex>]"

func main() {
	if len(os.Args) < 2 {
		failSummary("", "", usage)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "proof":
		runProof(os.Args[2:])
	default:
		failSummary("", "", "unknown command")
		os.Exit(2)
	}
}

func runProof(args []string) {
	if len(args) < 1 {
		failSummary("", "", usage)
		os.Exit(2)
	}
	switch args[0] {
	case "verify":
		runProofVerify(args[1:])
	default:
		failSummary("", "", usage)
		os.Exit(2)
	}
}

func runProofVerify(args []string) {
	fs := flag.NewFlagSet("proof verify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	artifactPath := fs.String("artifact", "", "path to proof artifact json")
	contentPath := fs.String("content", "", "path to the original content (optional)")
	trustedRoot := fs.String("root", "", "trusted batch root hex obtained out of band (optional)")
	if err := fs.Parse(args); err != nil {
		failSummary("", "", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*artifactPath) == "" {
		failSummary("", "", "--artifact is required")
		os.Exit(2)
	}

	artifactBytes, err := os.ReadFile(*artifactPath)
	if err != nil {
		failSummary("", "", "read artifact failed: "+err.Error())
		os.Exit(1)
	}

	var artifact struct {
		ProofID string `json:"proof_id"`
		Hash    struct {
			Value string `json:"value"`
		} `json:"hash"`
	}
	_ = json.Unmarshal(artifactBytes, &artifact)

	opts := verify.Options{TrustedRoot: strings.TrimSpace(*trustedRoot)}
	if strings.TrimSpace(*contentPath) != "" {
		content, err := os.ReadFile(*contentPath)
		if err != nil {
			failSummary(artifact.ProofID, artifact.Hash.Value, "read content failed: "+err.Error())
			os.Exit(1)
		}
		opts.Content = bytes.NewReader(content)
	}

	res := verify.Artifact(artifactBytes, opts)
	if res.Authenticity != verify.OutcomeValid || res.Anchoring == verify.OutcomeInvalid {
		failVerifySummary(artifact.ProofID, artifact.Hash.Value, res)
		os.Exit(1)
	}
	passSummary(artifact.ProofID, artifact.Hash.Value, string(res.Anchoring))
}

func passSummary(proofID, contentHash, anchoring string) {
	fmt.Printf("{\"protocol\":\"prooforigin\",\"status\":\"PASS\",\"proof_id\":%s,\"content_hash\":%s,\"authenticity\":\"VALID\",\"anchoring\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(proofID),
		jsonQuote(contentHash),
		jsonQuote(anchoring),
		time.Now().UTC().Format(time.RFC3339),
	)
}

func failVerifySummary(proofID, contentHash string, res verify.Result) {
	fmt.Printf("{\"protocol\":\"prooforigin\",\"status\":\"FAIL\",\"proof_id\":%s,\"content_hash\":%s,\"authenticity\":%s,\"anchoring\":%s,\"reason\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(proofID),
		jsonQuote(contentHash),
		jsonQuote(string(res.Authenticity)),
		jsonQuote(string(res.Anchoring)),
		jsonQuote(res.Reason),
		time.Now().UTC().Format(time.RFC3339),
	)
}

func failSummary(proofID, contentHash, reason string) {
	fmt.Printf("{\"protocol\":\"prooforigin\",\"status\":\"FAIL\",\"proof_id\":%s,\"content_hash\":%s,\"reason\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(proofID),
		jsonQuote(contentHash),
		jsonQuote(reason),
		time.Now().UTC().Format(time.RFC3339),
	)
}

func jsonQuote(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}
