// Package comfy implements the inference client (component C2): it
// submits render prompts to an external ComfyUI backend over HTTP,
// streams progress over WebSocket, and retrieves the rendered output.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bobarin/renderqueue/internal/jobmodel"
)

const (
	imagePatchNodeID  = "58"
	outputPatchNodeID = "341"
	historyPollEvery  = 2 * time.Second
	httpTimeout       = 15 * time.Second
)

// PhaseFunc is invoked by Render as the job progresses through the
// preparing/prompting/sampling/assembling/postprocessing phases.
type PhaseFunc func(phase jobmodel.Phase)

// SamplingFunc is invoked with a raw [0,1] sampling ratio as progress
// updates arrive over the WebSocket stream. The stream only forwards a
// ratio strictly greater than the last one it forwarded; callers still
// guard progress against regressions across phases (see
// renderqueue.ApplySamplingRatio).
type SamplingFunc func(ratio float64)

// Client talks to a single ComfyUI instance.
type Client struct {
	baseURL      string
	wsURL        string
	httpClient   *http.Client
	workflowTmpl map[string]any
}

// NewClient loads the workflow template JSON from disk and derives the
// WebSocket URL from baseURL (http(s) -> ws(s)).
func NewClient(baseURL, workflowPath string) (*Client, error) {
	raw, err := os.ReadFile(workflowPath)
	if err != nil {
		return nil, fmt.Errorf("comfy: failed to read workflow template %s: %w", workflowPath, err)
	}

	var tmpl map[string]any
	if err := json.Unmarshal(raw, &tmpl); err != nil {
		return nil, fmt.Errorf("comfy: failed to parse workflow template: %w", err)
	}

	baseURL = strings.TrimSuffix(baseURL, "/")
	return &Client{
		baseURL:      baseURL,
		wsURL:        buildWSURL(baseURL),
		httpClient:   &http.Client{Timeout: httpTimeout},
		workflowTmpl: tmpl,
	}, nil
}

// buildWSURL rewrites an http(s) base URL into its ws(s) equivalent.
func buildWSURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return "ws://" + baseURL
	}
}

// Render submits one prompt and drives it through completion: image
// patch, POST /prompt, WebSocket progress streaming, history polling,
// output extraction, download, and postprocessing into renderDir as
// video.mp4 + thumb.jpg. It returns the paths of both files, joined
// onto renderDir.
func (c *Client) Render(ctx context.Context, imageFilename, cacheKey, renderDir string, timeout time.Duration, onPhase PhaseFunc, onSampling SamplingFunc) (videoPath, thumbPath string, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	onPhase(jobmodel.PhasePreparing)
	prompt, err := c.buildPrompt(imageFilename, cacheKey)
	if err != nil {
		return "", "", err
	}

	clientID := uuid.NewString()

	onPhase(jobmodel.PhasePrompting)
	promptID, err := c.submitPrompt(ctx, prompt, clientID)
	if err != nil {
		return "", "", err
	}

	phaseOnce := newPhaseGate(onPhase)
	phaseOnce.announce(jobmodel.PhaseSampling)
	wsCtx, stopStream := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(wsCtx)
	group.Go(func() error {
		return c.streamProgress(groupCtx, clientID, promptID, phaseOnce, onSampling)
	})

	history, err := c.waitForHistory(ctx, promptID)

	// History is authoritative; the progress stream is best-effort and
	// gets cancelled the moment we have a result, matching in spirit
	// the original render() tearing its sampling task down in a
	// finally block once the result is in hand.
	stopStream()
	_ = group.Wait()

	if err != nil {
		return "", "", err
	}

	onPhase(jobmodel.PhaseAssembling)
	filename, subfolder, outputType, err := extractOutputFile(history, promptID)
	if err != nil {
		return "", "", err
	}

	rawOutput, err := c.downloadOutput(ctx, filename, subfolder, outputType)
	if err != nil {
		return "", "", err
	}

	onPhase(jobmodel.PhasePostprocessing)
	videoPath, thumbPath, err = postprocess(ctx, renderDir, filename, rawOutput)
	if err != nil {
		return "", "", err
	}

	return videoPath, thumbPath, nil
}

// buildPrompt clones the workflow template and patches the image input
// node and the output filename_prefix node so this render's output is
// discoverable under its cache key.
func (c *Client) buildPrompt(imageFilename, cacheKey string) (map[string]any, error) {
	raw, err := json.Marshal(c.workflowTmpl)
	if err != nil {
		return nil, newError(CodeWorkflowInvalid, "failed to clone workflow template: %v", err)
	}
	var prompt map[string]any
	if err := json.Unmarshal(raw, &prompt); err != nil {
		return nil, newError(CodeWorkflowInvalid, "failed to clone workflow template: %v", err)
	}

	imageNode, ok := prompt[imagePatchNodeID].(map[string]any)
	if !ok {
		return nil, newError(CodeWorkflowInvalid, "workflow missing image input node %q", imagePatchNodeID)
	}
	inputs, ok := imageNode["inputs"].(map[string]any)
	if !ok {
		return nil, newError(CodeWorkflowInvalid, "workflow node %q missing inputs", imagePatchNodeID)
	}
	inputs["image"] = imageFilename

	outputNode, ok := prompt[outputPatchNodeID].(map[string]any)
	if !ok {
		return nil, newError(CodeWorkflowInvalid, "workflow missing output node %q", outputPatchNodeID)
	}
	outputInputs, ok := outputNode["inputs"].(map[string]any)
	if !ok {
		return nil, newError(CodeWorkflowInvalid, "workflow node %q missing inputs", outputPatchNodeID)
	}
	outputInputs["filename_prefix"] = fmt.Sprintf("Live2D/%s", cacheKey)

	return prompt, nil
}

type promptSubmitResponse struct {
	PromptID string `json:"prompt_id"`
}

func (c *Client) submitPrompt(ctx context.Context, prompt map[string]any, clientID string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":    prompt,
		"client_id": clientID,
	})
	if err != nil {
		return "", newError(CodeWorkflowInvalid, "failed to encode prompt: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", newError(CodeHTTPError, "failed to build prompt request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", newError(CodeHTTPError, "prompt submission failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", newError(CodeHTTPError, "prompt submission returned status %d: %s", resp.StatusCode, truncate(string(respBody), 300))
	}

	var parsed promptSubmitResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", newError(CodeWorkflowInvalid, "failed to parse prompt submission response: %v", err)
	}
	if parsed.PromptID == "" {
		return "", newError(CodeWorkflowInvalid, "prompt submission response missing prompt_id")
	}

	return parsed.PromptID, nil
}

// waitForHistory polls GET /history/<prompt_id> until the entry appears
// and carries a non-empty outputs object, the context's timeout
// expires, or an execution error is reported inline in the history
// payload. An entry that exists but has not yet populated outputs is
// not considered done — ComfyUI writes the history entry before its
// outputs are fully attached.
func (c *Client) waitForHistory(ctx context.Context, promptID string) (map[string]any, error) {
	ticker := time.NewTicker(historyPollEvery)
	defer ticker.Stop()

	for {
		entry, err := c.fetchHistoryEntry(ctx, promptID)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			if execErr := summarizeExecutionError(entry); execErr != "" {
				return nil, newError(CodeExecError, "%s", execErr)
			}
			if hasNonEmptyOutputs(entry) {
				return entry, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, newError(CodeTimeout, "render timed out waiting for prompt %s to complete", promptID)
		case <-ticker.C:
		}
	}
}

func hasNonEmptyOutputs(entry map[string]any) bool {
	outputs, ok := entry["outputs"].(map[string]any)
	return ok && len(outputs) > 0
}

func (c *Client) fetchHistoryEntry(ctx context.Context, promptID string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+promptID, nil)
	if err != nil {
		return nil, newError(CodeHTTPError, "failed to build history request: %v", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newError(CodeHTTPError, "history request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, newError(CodeHTTPError, "history request returned status %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	var history map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, newError(CodeHTTPError, "failed to parse history response: %v", err)
	}

	raw, ok := history[promptID]
	if !ok {
		return nil, nil
	}

	var entry map[string]any
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, newError(CodeHTTPError, "failed to parse history entry: %v", err)
	}
	return entry, nil
}

// downloadOutput issues GET /view?filename=&subfolder=&type= to fetch
// the raw rendered bytes.
func (c *Client) downloadOutput(ctx context.Context, filename, subfolder, outputType string) ([]byte, error) {
	url := fmt.Sprintf("%s/view?filename=%s&subfolder=%s&type=%s", c.baseURL, filename, subfolder, outputType)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, newError(CodeDownloadFailed, "failed to build download request: %v", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newError(CodeDownloadFailed, "output download failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, newError(CodeDownloadFailed, "output download returned status %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(CodeDownloadFailed, "failed to read downloaded output: %v", err)
	}
	return data, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// phaseGate ensures each phase callback fires only once. Render
// announces the sampling phase right after the prompt is submitted;
// later progress messages that announce it again are no-ops.
type phaseGate struct {
	onPhase      PhaseFunc
	announcedMap map[jobmodel.Phase]bool
}

func newPhaseGate(onPhase PhaseFunc) *phaseGate {
	return &phaseGate{onPhase: onPhase, announcedMap: make(map[jobmodel.Phase]bool)}
}

func (g *phaseGate) announce(phase jobmodel.Phase) {
	if g.announcedMap[phase] {
		return
	}
	g.announcedMap[phase] = true
	g.onPhase(phase)
}
