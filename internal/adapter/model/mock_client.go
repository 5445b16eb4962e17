package model

import (
	"context"
	"sync"
)

// ScriptedTurn is one pre-planned model turn for the mock client.
type ScriptedTurn struct {
	Chunks []*Chunk
	Err    error // returned from Stream itself instead of streaming
}

// MockClient replays scripted turns in order. Tests script exactly the text
// and tool calls each model turn should produce.
type MockClient struct {
	mu    sync.Mutex
	turns []ScriptedTurn
	calls int

	// Requests records every request for assertion.
	Requests []*Request
}

// Ensure MockClient implements Client.
var _ Client = (*MockClient)(nil)

// NewMockClient creates a mock that replays the given turns.
func NewMockClient(turns ...ScriptedTurn) *MockClient {
	return &MockClient{turns: turns}
}

// AddTurn appends another scripted turn.
func (m *MockClient) AddTurn(turn ScriptedTurn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turn)
}

// Calls returns how many turns have been requested.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Stream replays the next scripted turn. Running out of script yields an
// empty completed turn.
func (m *MockClient) Stream(ctx context.Context, req *Request) (<-chan *Chunk, error) {
	m.mu.Lock()
	var turn ScriptedTurn
	if m.calls < len(m.turns) {
		turn = m.turns[m.calls]
	} else {
		turn = ScriptedTurn{Chunks: []*Chunk{{Done: true}}}
	}
	m.calls++
	m.Requests = append(m.Requests, req)
	m.mu.Unlock()

	if turn.Err != nil {
		return nil, turn.Err
	}

	chunks := make(chan *Chunk, len(turn.Chunks))
	go func() {
		defer close(chunks)
		for _, c := range turn.Chunks {
			select {
			case <-ctx.Done():
				chunks <- &Chunk{Err: ctx.Err()}
				return
			case chunks <- c:
			}
		}
	}()

	return chunks, nil
}

// TextTurn builds a simple scripted turn: text chunks then a done chunk with
// usage.
func TextTurn(inputTokens, outputTokens int64, texts ...string) ScriptedTurn {
	var chunks []*Chunk
	for _, t := range texts {
		chunks = append(chunks, &Chunk{Text: t})
	}
	chunks = append(chunks, &Chunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
	return ScriptedTurn{Chunks: chunks}
}
