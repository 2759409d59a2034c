package comfy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/bobarin/renderqueue/internal/jobmodel"
)

type wsEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wsNodeProgress struct {
	Value float64 `json:"value"`
	Max   float64 `json:"max"`
	State string  `json:"state"`
}

type wsProgressStateData struct {
	PromptID string                    `json:"prompt_id"`
	Nodes    map[string]wsNodeProgress `json:"nodes"`
}

type wsProgressData struct {
	Value float64 `json:"value"`
	Max   float64 `json:"max"`
}

type wsExecutingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

type wsTerminalData struct {
	PromptID string `json:"prompt_id"`
}

// streamProgress connects to the ComfyUI WebSocket endpoint and
// forwards sampling-phase progress for promptID until the run reaches
// a terminal event or the context is cancelled. It never returns an
// error for a clean terminal event — waitForHistory is the source of
// truth for success/failure, this stream only drives progress UI.
func (c *Client) streamProgress(ctx context.Context, clientID, promptID string, gate *phaseGate, onSampling SamplingFunc) error {
	wsURL := fmt.Sprintf("%s/ws?clientId=%s", c.wsURL, url.QueryEscape(clientID))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		// Progress streaming is best-effort: a render can still
		// succeed without a live progress feed.
		return fmt.Errorf("comfy: websocket dial failed: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	lastRatio := -1.0

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil
		}

		var envelope wsEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			continue
		}

		switch envelope.Type {
		case "progress_state":
			var data wsProgressStateData
			if err := json.Unmarshal(envelope.Data, &data); err != nil || data.PromptID != promptID {
				continue
			}
			ratio, ok := dominantNodeRatio(data.Nodes)
			if !ok {
				continue
			}
			gate.announce(jobmodel.PhaseSampling)
			if ratio > lastRatio {
				lastRatio = ratio
				onSampling(ratio)
			}

		case "progress":
			var data wsProgressData
			if err := json.Unmarshal(envelope.Data, &data); err != nil || data.Max <= 1 {
				continue
			}
			gate.announce(jobmodel.PhaseSampling)
			ratio := data.Value / data.Max
			if ratio > lastRatio {
				lastRatio = ratio
				onSampling(ratio)
			}

		case "executing":
			var data wsExecutingData
			if err := json.Unmarshal(envelope.Data, &data); err != nil || data.PromptID != promptID {
				continue
			}
			if data.Node == nil {
				return nil
			}

		case "execution_success", "execution_error", "execution_interrupted":
			var data wsTerminalData
			if err := json.Unmarshal(envelope.Data, &data); err == nil && data.PromptID == promptID {
				return nil
			}
		}
	}
}

// dominantNodeRatio implements the "dominant node" sampling-ratio
// strategy: among all nodes reporting progress, pick the one ranked
// highest by (running > finished > pending, then largest max), and
// return its value/max ratio.
func dominantNodeRatio(nodes map[string]wsNodeProgress) (float64, bool) {
	var best *wsNodeProgress
	var bestRank float64

	for id := range nodes {
		n := nodes[id]
		if n.Max <= 1 {
			continue
		}
		rank := stateRank(n.State)*1_000_000 + n.Max
		if best == nil || rank > bestRank {
			node := n
			best = &node
			bestRank = rank
		}
	}

	if best == nil {
		return 0, false
	}
	return best.Value / best.Max, true
}

func stateRank(state string) float64 {
	switch state {
	case "running":
		return 2
	case "finished":
		return 1
	default:
		return 0
	}
}
