package patcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/trailofbits/buttercup-crs-core/internal/codequery"
)

// LLMAgent is the production Agent: it talks to an OpenAI-compatible
// chat-completions proxy. The prompts below are deliberately thin;
// routing, retries, and state handling all live in the workflow, not in
// prompt engineering.
type LLMAgent struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// NewLLMAgent constructs an LLMAgent against the proxy at hostname.
func NewLLMAgent(hostname, apiKey, model string) *LLMAgent {
	return &LLMAgent{
		baseURL: "https://" + strings.TrimRight(hostname, "/"),
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (a *LLMAgent) complete(ctx context.Context, system, user string) (string, error) {
	payload := map[string]any{
		"model": a.model,
		"messages": []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("patcher: marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("patcher: build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("patcher: completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("patcher: completion request: status %d", resp.StatusCode)
	}

	var out struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("patcher: decode completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("patcher: completion returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

func (a *LLMAgent) stateSummary(s *PatcherState) string {
	var b strings.Builder
	b.WriteString(s.Context)
	if s.RootCause != "" {
		b.WriteString("\n\nRoot cause:\n" + s.RootCause)
	}
	for _, snip := range s.RelevantCodeSnippets {
		fmt.Fprintf(&b, "\n\n%s:%d-%d\n```\n%s\n```", snip.Path, snip.StartLine, snip.EndLine, snip.Content)
	}
	if guidance := s.ExecutionInfo.Guidance; guidance != "" {
		b.WriteString("\n\nGuidance from the previous attempt:\n" + guidance)
	}
	if attempt := s.CurrentAttempt(); attempt != nil && attempt.Status != StatusPending {
		fmt.Fprintf(&b, "\n\nPrevious attempt ended %s.\nBuild output:\n%s\n%s",
			attempt.Status, attempt.BuildStdout, attempt.BuildStderr)
	}
	return b.String()
}

// snippetReqRe pulls SNIPPET(symbol) markers out of a root-cause
// answer.
var snippetReqRe = regexp.MustCompile(`SNIPPET\(([^)]+)\)`)

// RootCause implements Agent.
func (a *LLMAgent) RootCause(ctx context.Context, s *PatcherState) (string, []codequery.SnippetRequest, error) {
	answer, err := a.complete(ctx,
		"You analyze crash reports and explain the root cause of the defect. "+
			"If you need to see a symbol's definition, write SNIPPET(symbol).",
		a.stateSummary(s))
	if err != nil {
		return "", nil, err
	}

	var reqs []codequery.SnippetRequest
	for _, m := range snippetReqRe.FindAllStringSubmatch(answer, -1) {
		reqs = append(reqs, codequery.SnippetRequest{TaskID: s.TaskID, Symbol: m[1]})
	}
	return answer, reqs, nil
}

// diffRe extracts a fenced diff block from a completion.
var diffRe = regexp.MustCompile("(?s)```(?:diff)?\n(.*?)```")

// CreatePatch implements Agent.
func (a *LLMAgent) CreatePatch(ctx context.Context, s *PatcherState) (string, error) {
	answer, err := a.complete(ctx,
		"You write minimal source patches as unified diffs. "+
			"Answer with a single fenced diff block and nothing else. "+
			"Never modify fuzzer or harness code.",
		a.stateSummary(s))
	if err != nil {
		return "", err
	}

	m := diffRe.FindStringSubmatch(answer)
	if m == nil {
		if ParsesAsDiff(answer) {
			return answer, nil
		}
		return "", ErrUnparseablePatch
	}
	return m[1], nil
}

// Reflect implements Agent.
func (a *LLMAgent) Reflect(ctx context.Context, s *PatcherState) (string, NodeID, error) {
	answer, err := a.complete(ctx,
		"A patch attempt failed. Decide the next step: answer with one of "+
			"RETRY_PATCH, REANALYZE, or FETCH_CONTEXT on the first line, then "+
			"guidance for that step.",
		a.stateSummary(s))
	if err != nil {
		return "", NodeCreatePatch, err
	}

	next := NodeCreatePatch
	firstLine, rest, _ := strings.Cut(answer, "\n")
	switch strings.TrimSpace(firstLine) {
	case "REANALYZE":
		next = NodeRootCauseAnalysis
	case "FETCH_CONTEXT":
		next = NodeContextRetriever
	case "RETRY_PATCH":
		next = NodeCreatePatch
	default:
		rest = answer
	}
	return strings.TrimSpace(rest), next, nil
}
