package comfy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeTestWorkflow(t *testing.T) string {
	t.Helper()
	workflow := map[string]any{
		imagePatchNodeID: map[string]any{
			"inputs": map[string]any{"image": "placeholder.png"},
		},
		outputPatchNodeID: map[string]any{
			"inputs": map[string]any{"filename_prefix": "Live2D/placeholder"},
		},
	}
	data, err := json.Marshal(workflow)
	if err != nil {
		t.Fatalf("failed to marshal test workflow: %v", err)
	}

	path := filepath.Join(t.TempDir(), "workflow.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write test workflow: %v", err)
	}
	return path
}

func TestBuildPromptPatchesImageAndFilenamePrefix(t *testing.T) {
	workflowPath := writeTestWorkflow(t)
	client, err := NewClient("http://127.0.0.1:8188", workflowPath)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	prompt, err := client.buildPrompt("album_abc123.jpg", "abc123")
	if err != nil {
		t.Fatalf("buildPrompt() error = %v", err)
	}

	imageNode := prompt[imagePatchNodeID].(map[string]any)
	inputs := imageNode["inputs"].(map[string]any)
	if got := inputs["image"]; got != "album_abc123.jpg" {
		t.Errorf("expected patched image filename, got %v", got)
	}

	outputNode := prompt[outputPatchNodeID].(map[string]any)
	outputInputs := outputNode["inputs"].(map[string]any)
	if got := outputInputs["filename_prefix"]; got != "Live2D/abc123" {
		t.Errorf("expected filename_prefix Live2D/abc123, got %v", got)
	}
}

func TestBuildPromptDoesNotMutateTemplate(t *testing.T) {
	workflowPath := writeTestWorkflow(t)
	client, err := NewClient("http://127.0.0.1:8188", workflowPath)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	if _, err := client.buildPrompt("first.jpg", "key1"); err != nil {
		t.Fatalf("buildPrompt() error = %v", err)
	}
	second, err := client.buildPrompt("second.jpg", "key2")
	if err != nil {
		t.Fatalf("buildPrompt() error = %v", err)
	}

	imageNode := second[imagePatchNodeID].(map[string]any)
	inputs := imageNode["inputs"].(map[string]any)
	if got := inputs["image"]; got != "second.jpg" {
		t.Errorf("expected second prompt to carry its own image filename, got %v", got)
	}

	tmplInputs := client.workflowTmpl[imagePatchNodeID].(map[string]any)["inputs"].(map[string]any)
	if got := tmplInputs["image"]; got != "placeholder.png" {
		t.Errorf("expected template to be unaffected by prior patch, got %v", got)
	}
}

func TestBuildWSURL(t *testing.T) {
	cases := map[string]string{
		"http://127.0.0.1:8188":  "ws://127.0.0.1:8188",
		"https://comfy.internal": "wss://comfy.internal",
	}
	for in, want := range cases {
		if got := buildWSURL(in); got != want {
			t.Errorf("buildWSURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractOutputFilePrefersOutputNode(t *testing.T) {
	entry := map[string]any{
		"outputs": map[string]any{
			"99": map[string]any{
				"images": []any{
					map[string]any{"filename": "wrong.png", "subfolder": "", "type": "temp"},
				},
			},
			outputPatchNodeID: map[string]any{
				"videos": []any{
					map[string]any{"filename": "video.mp4", "subfolder": "Live2D", "type": "output"},
				},
			},
		},
	}

	filename, subfolder, outputType, err := extractOutputFile(entry, "prompt-1")
	if err != nil {
		t.Fatalf("extractOutputFile() error = %v", err)
	}
	if filename != "video.mp4" || subfolder != "Live2D" || outputType != "output" {
		t.Errorf("got (%s, %s, %s), want (video.mp4, Live2D, output)", filename, subfolder, outputType)
	}
}

func TestExtractOutputFileFallsBackWhenOutputNodeMissing(t *testing.T) {
	entry := map[string]any{
		"outputs": map[string]any{
			"12": map[string]any{
				"gifs": []any{
					map[string]any{"filename": "fallback.gif", "subfolder": "", "type": "output"},
				},
			},
		},
	}

	filename, _, _, err := extractOutputFile(entry, "prompt-1")
	if err != nil {
		t.Fatalf("extractOutputFile() error = %v", err)
	}
	if filename != "fallback.gif" {
		t.Errorf("expected fallback output fallback.gif, got %s", filename)
	}
}

func TestExtractOutputFileNotFound(t *testing.T) {
	entry := map[string]any{"outputs": map[string]any{}}
	if _, _, _, err := extractOutputFile(entry, "prompt-1"); err == nil {
		t.Fatalf("expected OUTPUT_NOT_FOUND error, got nil")
	}
}

func TestDominantNodeRatioPrefersRunningOverFinished(t *testing.T) {
	nodes := map[string]wsNodeProgress{
		"a": {Value: 10, Max: 10, State: "finished"},
		"b": {Value: 3, Max: 20, State: "running"},
	}
	ratio, ok := dominantNodeRatio(nodes)
	if !ok {
		t.Fatalf("expected dominantNodeRatio to find a node")
	}
	want := 3.0 / 20.0
	if ratio != want {
		t.Errorf("expected ratio from the running node (%.3f), got %.3f", want, ratio)
	}
}

func TestDominantNodeRatioPrefersLargerMaxWhenStatesEqual(t *testing.T) {
	nodes := map[string]wsNodeProgress{
		"a": {Value: 1, Max: 10, State: "running"},
		"b": {Value: 2, Max: 50, State: "running"},
	}
	ratio, ok := dominantNodeRatio(nodes)
	if !ok {
		t.Fatalf("expected dominantNodeRatio to find a node")
	}
	want := 2.0 / 50.0
	if ratio != want {
		t.Errorf("expected ratio from the larger-max node (%.3f), got %.3f", want, ratio)
	}
}
