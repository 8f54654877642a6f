// Package approval resolves require_approval decisions.
package approval

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"ambient/internal/config"
	"ambient/internal/logging"
	"ambient/internal/risk"
	"ambient/internal/types"
)

// ErrQuit is returned when an interactive reviewer ends the session.
var ErrQuit = errors.New("approval session ended")

// Verdict is the answer to one approval request.
type Verdict struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
	Approver string `json:"approver,omitempty"`
}

// Handler decides whether a proposal that requires approval may proceed.
// An error leaves the proposal pending.
type Handler interface {
	Request(ctx context.Context, p types.Proposal, d types.RiskDecision) (Verdict, error)
}

// AlwaysApprove approves everything.
type AlwaysApprove struct{}

// Request implements Handler.
func (AlwaysApprove) Request(context.Context, types.Proposal, types.RiskDecision) (Verdict, error) {
	return Verdict{Approved: true, Approver: "always-approve"}, nil
}

// AlwaysReject rejects everything; it is the dry-run default.
type AlwaysReject struct{}

// Request implements Handler.
func (AlwaysReject) Request(context.Context, types.Proposal, types.RiskDecision) (Verdict, error) {
	return Verdict{Approved: false, Reason: "approval mode is reject", Approver: "always-reject"}, nil
}

// Interactive prompts a human over a reader/writer pair. Requests are
// serialized so prompts never interleave.
type Interactive struct {
	mu          sync.Mutex
	in          *bufio.Reader
	out         io.Writer
	previewRows int
}

// NewInteractive creates a prompt handler.
func NewInteractive(in io.Reader, out io.Writer) *Interactive {
	return &Interactive{in: bufio.NewReader(in), out: out, previewRows: 50}
}

// Request implements Handler. Answers: y/yes, n/no/empty, d/diff, q/quit.
func (h *Interactive) Request(ctx context.Context, p types.Proposal, d types.RiskDecision) (Verdict, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(h.out, "\n%s\nAPPROVAL REQUIRED\n%s\n\n", strings.Repeat("=", 60), strings.Repeat("=", 60))
	fmt.Fprintln(h.out, risk.Report(p, d))
	if p.Description != "" {
		fmt.Fprintf(h.out, "Description: %s\n", p.Description)
	}
	if p.Rationale != "" {
		fmt.Fprintf(h.out, "Rationale: %s\n", p.Rationale)
	}
	fmt.Fprintln(h.out, preview(p.Diff, h.previewRows))

	for {
		if err := ctx.Err(); err != nil {
			return Verdict{}, err
		}
		fmt.Fprint(h.out, "Approve this change? [y/N/d(iff)/q(uit)]: ")
		line, err := h.in.ReadString('\n')
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				return Verdict{Approved: false, Reason: "no answer", Approver: "interactive"}, nil
			}
			return Verdict{}, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			fmt.Fprintln(h.out, "Approved")
			return Verdict{Approved: true, Approver: "interactive"}, nil
		case "n", "no", "":
			fmt.Fprintln(h.out, "Rejected")
			return Verdict{Approved: false, Reason: "rejected by reviewer", Approver: "interactive"}, nil
		case "d", "diff":
			fmt.Fprintf(h.out, "\n%s\n", p.Diff)
		case "q", "quit":
			return Verdict{}, ErrQuit
		default:
			fmt.Fprintln(h.out, "Please answer y(es), n(o), d(iff) or q(uit).")
		}
	}
}

func preview(diff string, rows int) string {
	lines := strings.Split(strings.TrimRight(diff, "\n"), "\n")
	if len(lines) <= rows {
		return "Diff:\n" + strings.Join(lines, "\n")
	}
	return fmt.Sprintf("Diff (first %d lines):\n%s\n  ... (%d more lines)", rows, strings.Join(lines[:rows], "\n"), len(lines)-rows)
}

// WebhookRequest is the JSON body posted to an approval webhook.
type WebhookRequest struct {
	Proposal types.Proposal     `json:"proposal"`
	Decision types.RiskDecision `json:"decision"`
	Report   string             `json:"report"`
}

// Webhook posts approval requests and expects {"approved": bool}.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook handler with a per-request timeout.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	return &Webhook{url: url, client: &http.Client{Timeout: timeout}}
}

// Request implements Handler.
func (w *Webhook) Request(ctx context.Context, p types.Proposal, d types.RiskDecision) (Verdict, error) {
	body, err := json.Marshal(WebhookRequest{Proposal: p, Decision: d, Report: risk.Report(p, d)})
	if err != nil {
		return Verdict{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Verdict{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("approval webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Verdict{}, fmt.Errorf("approval webhook: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var v Verdict
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&v); err != nil {
		return Verdict{}, fmt.Errorf("approval webhook: decoding response: %w", err)
	}
	if v.Approver == "" {
		v.Approver = "webhook"
	}
	logging.Get(logging.CategoryApproval).Info("webhook verdict for %s: approved=%v", p.ID, v.Approved)
	return v, nil
}

// FromConfig selects a handler for approval.mode.
func FromConfig(c config.ApprovalConfig, in io.Reader, out io.Writer, timeout time.Duration) (Handler, error) {
	switch c.Mode {
	case "", "reject":
		return AlwaysReject{}, nil
	case "approve":
		return AlwaysApprove{}, nil
	case "interactive":
		return NewInteractive(in, out), nil
	case "webhook":
		if c.WebhookURL == "" {
			return nil, fmt.Errorf("approval.webhook_url is required for webhook mode")
		}
		return NewWebhook(c.WebhookURL, timeout), nil
	default:
		return nil, fmt.Errorf("unknown approval mode %q", c.Mode)
	}
}
