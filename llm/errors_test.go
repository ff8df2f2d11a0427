package llm

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorString(t *testing.T) {
	e := NewProviderError("openai", "upstream exploded", nil)
	if got := e.Error(); got != "LLM_PROVIDER_ERROR [openai]: upstream exploded" {
		t.Fatalf("unexpected error string: %q", got)
	}

	e2 := NewBudgetExceededError("daily budget: $10.00 spent")
	if got := e2.Error(); got != "LLM_BUDGET_EXCEEDED: daily budget: $10.00 spent" {
		t.Fatalf("unexpected error string: %q", got)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	e := NewProviderError("openai", "request failed", cause)

	if !errors.Is(e, cause) {
		t.Fatal("expected errors.Is to find the cause")
	}

	wrapped := fmt.Errorf("attempt 3: %w", e)
	var le *Error
	if !errors.As(wrapped, &le) {
		t.Fatal("expected errors.As to find *Error through a wrap")
	}
	if le.Code != ErrProvider {
		t.Fatalf("expected ErrProvider, got %s", le.Code)
	}
}

func TestRetryability(t *testing.T) {
	if IsRetryable(nil) {
		t.Fatal("nil must not be retryable")
	}
	// 裸错误（连接中断等）按可重试处理
	if !IsRetryable(errors.New("read: connection reset by peer")) {
		t.Fatal("bare errors should be retryable")
	}
	if !IsRetryable(NewProviderError("p", "500", nil)) {
		t.Fatal("provider errors should be retryable")
	}
	if !IsRetryable(NewTimeoutError("p", nil)) {
		t.Fatal("timeouts should be retryable")
	}
	if IsRetryable(NewRateLimitError("p", "too many requests")) {
		t.Fatal("rate limit errors switch provider, not retry")
	}
	if IsRetryable(&Error{Code: ErrUnauthorized, Message: "bad key"}) {
		t.Fatal("auth errors must not be retryable")
	}
}

func TestPredicates(t *testing.T) {
	cases := []struct {
		err  error
		pred func(error) bool
		want bool
	}{
		{NewRateLimitError("p", "429"), IsRateLimited, true},
		{&Error{Code: ErrUnauthorized}, IsAuthError, true},
		{&Error{Code: ErrQuotaExceeded}, IsQuotaExceeded, true},
		{&Error{Code: ErrModelNotFound}, IsModelNotFound, true},
		{NewBudgetExceededError("over"), IsBudgetExceeded, true},
		{NewTimeoutError("p", nil), IsTimeout, true},
		{errors.New("plain"), IsRateLimited, false},
		{nil, IsBudgetExceeded, false},
	}
	for i, c := range cases {
		if got := c.pred(c.err); got != c.want {
			t.Fatalf("case %d: got %v, want %v", i, got, c.want)
		}
	}
}

func TestTimeoutErrorDefaults(t *testing.T) {
	e := NewTimeoutError("gemini", nil)
	if e.Message != "request timed out" {
		t.Fatalf("unexpected default message: %q", e.Message)
	}
	if e.HTTPStatus != http.StatusGatewayTimeout {
		t.Fatalf("unexpected http status: %d", e.HTTPStatus)
	}

	cause := errors.New("context deadline exceeded")
	e2 := NewTimeoutError("gemini", cause)
	if e2.Message != cause.Error() {
		t.Fatalf("expected cause message, got %q", e2.Message)
	}
}
