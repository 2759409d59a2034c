package comfy

import (
	"fmt"
	"sort"
)

// summarizeExecutionError inspects a /history entry's "status" block
// for a failed run and returns a human-readable summary naming the
// first few offending nodes, or "" if the run did not fail.
func summarizeExecutionError(entry map[string]any) string {
	status, ok := entry["status"].(map[string]any)
	if !ok {
		return ""
	}
	completed, _ := status["completed"].(bool)
	if completed {
		return ""
	}
	messages, ok := status["messages"].([]any)
	if !ok {
		return ""
	}

	var offending []string
	for _, m := range messages {
		pair, ok := m.([]any)
		if !ok || len(pair) != 2 {
			continue
		}
		kind, _ := pair[0].(string)
		if kind != "execution_error" {
			continue
		}
		data, ok := pair[1].(map[string]any)
		if !ok {
			continue
		}
		nodeType, _ := data["node_type"].(string)
		nodeID, _ := data["node_id"].(string)
		exceptionMsg, _ := data["exception_message"].(string)
		offending = append(offending, fmt.Sprintf("node %s (%s): %s", nodeID, nodeType, exceptionMsg))
		if len(offending) >= 3 {
			break
		}
	}

	if len(offending) == 0 {
		return "execution failed"
	}
	return "execution failed: " + joinSemicolon(offending)
}

func joinSemicolon(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "; " + p
	}
	return out
}

// extractOutputFile locates the rendered video in a history entry's
// outputs, preferring the dedicated output node and falling back to
// any node carrying videos, gifs, or images.
func extractOutputFile(entry map[string]any, promptID string) (filename, subfolder, outputType string, err error) {
	outputs, ok := entry["outputs"].(map[string]any)
	if !ok {
		return "", "", "", newError(CodeOutputNotFound, "history entry for prompt %s has no outputs", promptID)
	}

	if node, ok := outputs[outputPatchNodeID].(map[string]any); ok {
		if f, sf, t, ok := firstMediaFile(node); ok {
			return f, sf, t, nil
		}
	}

	// Fall back to any node with media output, preferring a
	// deterministic order so repeated calls against the same history
	// entry pick the same file.
	nodeIDs := make([]string, 0, len(outputs))
	for id := range outputs {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	for _, id := range nodeIDs {
		node, ok := outputs[id].(map[string]any)
		if !ok {
			continue
		}
		if f, sf, t, ok := firstMediaFile(node); ok {
			return f, sf, t, nil
		}
	}

	return "", "", "", newError(CodeOutputNotFound, "no video/gif/image output found for prompt %s", promptID)
}

func firstMediaFile(node map[string]any) (filename, subfolder, outputType string, ok bool) {
	for _, key := range []string{"videos", "gifs", "images"} {
		entries, isList := node[key].([]any)
		if !isList || len(entries) == 0 {
			continue
		}
		first, isMap := entries[0].(map[string]any)
		if !isMap {
			continue
		}
		filename, _ = first["filename"].(string)
		subfolder, _ = first["subfolder"].(string)
		outputType, _ = first["type"].(string)
		if filename == "" {
			continue
		}
		if outputType == "" {
			outputType = "output"
		}
		return filename, subfolder, outputType, true
	}
	return "", "", "", false
}
