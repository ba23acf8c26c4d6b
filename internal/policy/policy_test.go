package policy

import (
	"regexp"
	"testing"
	"time"

	"github.com/unified-agent/gateway/pkg/protocol"
)

func TestValidateBrainURL_Schemes(t *testing.T) {
	p := &Policy{}

	if err := p.ValidateBrainURL("wss://brain.example/ws"); err != nil {
		t.Errorf("wss rejected: %v", err)
	}
	if err := p.ValidateBrainURL("ws://brain.example/ws"); err == nil {
		t.Error("ws accepted without opt-in")
	} else if protocol.CodeOf(err) != protocol.CodeInvalidArgument {
		t.Errorf("expected INVALID_ARGUMENT, got %s", protocol.CodeOf(err))
	}

	p.AllowInsecureWS = true
	if err := p.ValidateBrainURL("ws://brain.example/ws"); err != nil {
		t.Errorf("ws rejected with opt-in: %v", err)
	}

	if err := p.ValidateBrainURL("https://brain.example"); err == nil {
		t.Error("https accepted")
	}
}

func TestValidateBrainURL_AllowList(t *testing.T) {
	p := &Policy{
		BrainURLAllowList: []*regexp.Regexp{regexp.MustCompile(`^wss://.*\.corp\.example`)},
	}
	if err := p.ValidateBrainURL("wss://brain.corp.example/ws"); err != nil {
		t.Errorf("allow-listed URL rejected: %v", err)
	}
	err := p.ValidateBrainURL("wss://elsewhere.example/ws")
	if err == nil {
		t.Fatal("non-matching URL accepted")
	}
	if protocol.CodeOf(err) != protocol.CodePolicyDenied {
		t.Errorf("expected POLICY_DENIED, got %s", protocol.CodeOf(err))
	}
}

func TestCheckPayloadSize(t *testing.T) {
	p := &Policy{PayloadCapBytes: 100}
	if err := p.CheckPayloadSize(100); err != nil {
		t.Errorf("at-cap payload rejected: %v", err)
	}
	if err := p.CheckPayloadSize(101); err == nil {
		t.Error("over-cap payload accepted")
	}
}

func TestValidateDecision(t *testing.T) {
	if err := ValidateDecision(map[string]any{"behavior": "allow"}); err != nil {
		t.Errorf("allow rejected: %v", err)
	}
	if err := ValidateDecision(map[string]any{"behavior": "deny"}); err != nil {
		t.Errorf("deny rejected: %v", err)
	}
	if err := ValidateDecision(map[string]any{"behavior": "maybe"}); err == nil {
		t.Error("bad behavior accepted")
	}
	if err := ValidateDecision(map[string]any{
		"behavior":     "allow",
		"updatedInput": []any{"not", "an", "object"},
	}); err == nil {
		t.Error("array updatedInput accepted")
	}
	if err := ValidateDecision(map[string]any{
		"behavior":     "allow",
		"updatedInput": map[string]any{"command": "ls"},
	}); err != nil {
		t.Errorf("object updatedInput rejected: %v", err)
	}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	base := time.Now()

	for i := 0; i < 3; i++ {
		if !rl.AllowAt("s1", base.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("request %d denied under quota", i)
		}
	}
	if rl.AllowAt("s1", base.Add(4*time.Second)) {
		t.Fatal("4th request within window admitted")
	}

	// Once the first request falls out of the window, one more is admitted.
	if !rl.AllowAt("s1", base.Add(61*time.Second)) {
		t.Fatal("request after window slide denied")
	}

	// Other sessions are independent.
	if !rl.AllowAt("s2", base.Add(4*time.Second)) {
		t.Fatal("independent session denied")
	}
}

func TestRateLimiter_Forget(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	now := time.Now()
	if !rl.AllowAt("s1", now) {
		t.Fatal("first request denied")
	}
	if rl.AllowAt("s1", now) {
		t.Fatal("second request admitted")
	}
	rl.Forget("s1")
	if !rl.AllowAt("s1", now) {
		t.Fatal("request after Forget denied")
	}
}
