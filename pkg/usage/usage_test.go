package usage

import "testing"

func TestResolveChatShape(t *testing.T) {
	body := []byte(`{"id":"x","usage":{"prompt_tokens":12,"completion_tokens":30,"total_tokens":42,"cost":0.0015}}`)
	u := Resolve(body)
	if u.PromptTokens != 12 || u.CompletionTokens != 30 || u.TotalTokens != 42 {
		t.Fatalf("unexpected tokens: %+v", u)
	}
	if u.Cost != 0.0015 {
		t.Fatalf("unexpected cost: %v", u.Cost)
	}
}

func TestResolveResponsesShape(t *testing.T) {
	body := []byte(`{"response":{"usage":{"input_tokens":7,"output_tokens":3}}}`)
	u := Resolve(body)
	if u.PromptTokens != 7 || u.CompletionTokens != 3 {
		t.Fatalf("unexpected tokens: %+v", u)
	}
	if u.TotalTokens != 10 {
		t.Fatalf("expected total derived from parts, got %d", u.TotalTokens)
	}
}

func TestResolveZeroFills(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte(`not json`),
		[]byte(`{"usage":"nope"}`),
		[]byte(`{"choices":[]}`),
		[]byte(`{"usage":{}}`),
	}
	for _, body := range cases {
		if u := Resolve(body); !u.Zero() {
			t.Fatalf("expected zero usage for %q, got %+v", body, u)
		}
	}
}

func TestSSEAccumulatorKeepsFinalUsage(t *testing.T) {
	acc := NewSSEAccumulator()
	acc.Consume([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"))
	acc.Consume([]byte("data: {\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":1,\"total_tokens\":6}}\n\n"))
	acc.Consume([]byte("data: {\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":9,\"total_tokens\":14,\"cost\":0.002}}\n\n"))
	acc.Consume([]byte("data: [DONE]\n\n"))

	u := acc.Usage()
	if u.TotalTokens != 14 || u.CompletionTokens != 9 {
		t.Fatalf("expected final usage event to win, got %+v", u)
	}
	if u.Cost != 0.002 {
		t.Fatalf("unexpected cost: %v", u.Cost)
	}
}

func TestSSEAccumulatorSplitEvent(t *testing.T) {
	acc := NewSSEAccumulator()
	acc.Consume([]byte("data: {\"usage\":{\"prompt_to"))
	acc.Consume([]byte("kens\":3,\"completion_tokens\":4}}\n"))

	u := acc.Usage()
	if u.PromptTokens != 3 || u.CompletionTokens != 4 || u.TotalTokens != 7 {
		t.Fatalf("split event not reassembled: %+v", u)
	}
}

func TestSSEAccumulatorContent(t *testing.T) {
	acc := NewSSEAccumulator()
	acc.Consume([]byte("data: a\n"))
	acc.Consume([]byte("data: b\n"))
	if got := acc.Content(); got != "data: a\n\ndata: b\n" {
		t.Fatalf("unexpected content: %q", got)
	}
}
