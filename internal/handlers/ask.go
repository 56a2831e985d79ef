package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/rag-chat-widget/internal/models"
	"github.com/tmaxmax/go-sse"
)

type askAIRequest struct {
	Question string `json:"question"`
	ThreadID string `json:"threadId"`
	Stream   bool   `json:"stream"`
	RunID    string `json:"runId"`
	CallID   string `json:"callId"`
}

type askLLMRequest struct {
	ConversationID string `json:"conversation_id"`
	Query          string `json:"query"`
	Stream         bool   `json:"stream"`
}

type toolSubmissionRequest struct {
	ThreadID    string              `json:"thread_id"`
	RunID       string              `json:"run_id"`
	ToolOutputs []models.ToolOutput `json:"tool_outputs"`
}

// frame is one stream event as the widget reads it.
type frame struct {
	Type    string `json:"type"`
	Data    any    `json:"data,omitempty"`
	Content string `json:"content,omitempty"`
}

type functionCallData struct {
	Name string `json:"name"`
}

type toolActionData struct {
	ID       string           `json:"id"`
	RunID    string           `json:"run_id"`
	Function functionCallData `json:"function"`
}

type toolOutputsData struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// answer is the rendition of a list of steps for one run.
type answer struct {
	frames []frame
	text   string
	// waiting is true if a tool action is not followed by its outputs.
	waiting bool
}

var errStreamStopped = errors.New("stream stopped")

// HandleAskAI answers an assistant mode question from the script, streamed or as a single
// {"response": ...} document.
func (m Main) HandleAskAI(w http.ResponseWriter, r *http.Request) {
	var req askAIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.logger.Error("Failed to decode askAI request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.RunID != "" {
		m.logger.Debug("Question carries tool action", slog.String("runID", req.RunID), slog.String("callID", req.CallID))
	}
	m.ask(w, r, req.ThreadID, req.Question, req.Stream, "response")
}

// HandleAskLLM answers an LLM mode question from the script, streamed or as a single
// {"llm_response": ...} document.
func (m Main) HandleAskLLM(w http.ResponseWriter, r *http.Request) {
	var req askLLMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.logger.Error("Failed to decode ask-llm-conversation request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	m.ask(w, r, req.ConversationID, req.Query, req.Stream, "llm_response")
}

// HandleSubmitToolResponse continues a run waiting on the client with the scripted tool response.
func (m Main) HandleSubmitToolResponse(w http.ResponseWriter, r *http.Request) {
	var req toolSubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.logger.Error("Failed to decode tool submission", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.ToolOutputs) == 0 {
		http.Error(w, "tool_outputs is required", http.StatusBadRequest)
		return
	}

	var waiting bool
	found := m.convs.update(req.ThreadID, func(c *conversation) {
		waiting = c.pendingRun != "" && c.pendingRun == req.RunID
		if waiting {
			c.pendingRun = ""
		}
	})
	if !found {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}
	if !waiting {
		http.Error(w, fmt.Sprintf("Run %s is not waiting for tool outputs", req.RunID), http.StatusConflict)
		return
	}

	ans := render(m.script.ToolResponse, req.RunID, req.ToolOutputs[0].ToolCallID)
	m.record(req.ThreadID, "", req.RunID, ans)
	m.stream(w, r, ans.frames)
}

func (m Main) ask(w http.ResponseWriter, r *http.Request, id, question string, stream bool, field string) {
	if strings.TrimSpace(question) == "" {
		http.Error(w, "Question is required", http.StatusBadRequest)
		return
	}

	runID := newID("run_")
	ans := render(m.reply(question), runID, "")
	if !m.record(id, question, runID, ans) {
		http.Error(w, "Conversation not found", http.StatusNotFound)
		return
	}

	if !stream {
		writeJSON(w, http.StatusOK, map[string]string{field: ans.text})
		return
	}
	m.stream(w, r, ans.frames)
}

// record appends the question, if any, and the answer to the conversation history.
func (m Main) record(id, question, runID string, ans answer) bool {
	return m.convs.update(id, func(c *conversation) {
		now := time.Now().UTC()
		if question != "" {
			c.messages = append(c.messages, models.HistoryMessage{Role: "user", Text: question, CreatedAt: now})
		}
		if ans.text != "" {
			c.messages = append(c.messages, models.HistoryMessage{Role: "assistant", Text: ans.text, CreatedAt: now})
		}
		if ans.waiting {
			c.pendingRun = runID
		}
		c.LastUpdated = now
	})
}

func (m Main) stream(w http.ResponseWriter, r *http.Request, frames []frame) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	for i, f := range frames {
		if i > 0 {
			if err := m.pause(r); err != nil {
				m.logger.Info("Stream stopped", slog.Int("sentFrames", i), slog.String(errLoggerKey, err.Error()))
				return
			}
		}

		data, err := json.Marshal(f)
		if err != nil {
			m.logger.Error("Failed to marshal frame", slog.String(errLoggerKey, err.Error()))
			return
		}
		msg := &sse.Message{}
		msg.AppendData(string(data))
		if _, err := msg.WriteTo(w); err != nil {
			m.logger.Error("Failed to write frame", slog.String(errLoggerKey, err.Error()))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (m Main) pause(r *http.Request) error {
	var delay <-chan time.Time
	if m.script.Delay > 0 {
		delay = time.After(m.script.Delay)
	}

	select {
	case <-r.Context().Done():
		return r.Context().Err()
	case <-m.done:
		return errStreamStopped
	default:
	}
	if delay == nil {
		return nil
	}

	select {
	case <-r.Context().Done():
		return r.Context().Err()
	case <-m.done:
		return errStreamStopped
	case <-delay:
		return nil
	}
}

// render turns steps into stream frames. callID is the id of the tool call that toolOutputs steps report
// on until a toolAction step hands out a new one.
func render(steps []Step, runID, callID string) answer {
	var (
		ans  answer
		text strings.Builder
	)
	for _, s := range steps {
		switch {
		case s.Text != "":
			for _, word := range strings.SplitAfter(s.Text, " ") {
				if word == "" {
					continue
				}
				ans.frames = append(ans.frames, frame{Type: "text", Data: word})
			}
			text.WriteString(s.Text)
		case s.Retrieving != "":
			ans.frames = append(ans.frames, frame{Type: "retrieving", Content: s.Retrieving})
		case s.FunctionCall != "":
			ans.frames = append(ans.frames, frame{Type: "function_call", Data: functionCallData{Name: s.FunctionCall}})
		case s.ToolAction != "":
			callID = newID("call_")
			ans.frames = append(ans.frames, frame{Type: "tool_action", Data: []toolActionData{{
				ID:       callID,
				RunID:    runID,
				Function: functionCallData{Name: s.ToolAction},
			}}})
			ans.waiting = true
		case s.ToolOutputs != "":
			ans.frames = append(ans.frames, frame{Type: "tool_outputs", Data: toolOutputsData{
				ToolCallID: callID,
				Output:     s.ToolOutputs,
			}})
			ans.waiting = false
		}
	}
	ans.text = text.String()
	return ans
}
