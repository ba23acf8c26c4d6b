// Package policy enforces gateway-side guardrails: brain URL validation,
// payload size caps, tool-decision shape validation, and per-session request
// quotas.
package policy

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/unified-agent/gateway/pkg/protocol"
)

// Policy bundles the configured guardrails.
type Policy struct {
	AllowInsecureWS   bool
	BrainURLAllowList []*regexp.Regexp
	PayloadCapBytes   int64
}

// ValidateBrainURL checks scheme and allow-list membership.
func (p *Policy) ValidateBrainURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return protocol.NewError(protocol.CodeInvalidArgument, fmt.Sprintf("brain URL is not parseable: %v", err))
	}
	switch u.Scheme {
	case "wss":
	case "ws":
		if !p.AllowInsecureWS {
			return protocol.NewError(protocol.CodeInvalidArgument, "ws:// brain URLs require the insecure opt-in")
		}
	default:
		return protocol.NewError(protocol.CodeInvalidArgument, fmt.Sprintf("brain URL scheme %q is not allowed", u.Scheme))
	}
	if len(p.BrainURLAllowList) > 0 {
		for _, re := range p.BrainURLAllowList {
			if re.MatchString(raw) {
				return nil
			}
		}
		return protocol.NewError(protocol.CodePolicyDenied, "brain URL does not match the allow-list")
	}
	return nil
}

// CheckPayloadSize enforces the frame size cap.
func (p *Policy) CheckPayloadSize(n int) error {
	cap := p.PayloadCapBytes
	if cap <= 0 {
		cap = 512 * 1024
	}
	if int64(n) > cap {
		return protocol.NewError(protocol.CodeInvalidArgument,
			fmt.Sprintf("payload of %d bytes exceeds the %d byte cap", n, cap))
	}
	return nil
}

// ValidateDecision checks the shape of a can_use_tool decision: behavior must
// be allow or deny, and updatedInput, when present, must be an object.
func ValidateDecision(decision map[string]any) error {
	behavior, _ := decision["behavior"].(string)
	if behavior != "allow" && behavior != "deny" {
		return protocol.NewError(protocol.CodeInvalidArgument,
			fmt.Sprintf("decision behavior %q must be allow or deny", behavior))
	}
	if ui, present := decision["updatedInput"]; present && ui != nil {
		if _, ok := ui.(map[string]any); !ok {
			return protocol.NewError(protocol.CodeInvalidArgument, "decision updatedInput must be an object")
		}
	}
	return nil
}
