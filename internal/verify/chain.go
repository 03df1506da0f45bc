// Package verify decides whether an executed action actually took effect.
// Verification runs as a chain of tiers ordered by cost: a structural probe
// of captured HTML, a vision-model look at the screenshot, and finally an
// authoritative platform oracle. The first conclusive verdict wins; if no
// tier is conclusive the chain reports the best-confidence verdict it saw so
// the caller can decide whether to retry.
package verify

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/harrison/actuator/internal/action"
	"github.com/harrison/actuator/internal/driver"
	"github.com/harrison/actuator/internal/vision"
)

// Tier confidence levels. Structural probes are deterministic but depend on
// plans choosing good post-condition selectors; the oracle asks the platform
// itself and outranks everything.
const (
	structuralConfidence = 0.95
	oracleConfidence     = 0.99
)

// DefaultMinConfidence is the threshold below which a vision verdict is
// advisory rather than conclusive.
const DefaultMinConfidence = 0.6

// Verdict is one tier's (or the whole chain's) answer.
type Verdict struct {
	// Success is the tier's answer. Only meaningful alongside Conclusive:
	// an inconclusive verdict is a shrug, not a no.
	Success bool
	// Confidence is the tier's confidence in [0,1].
	Confidence float64
	// Method names the tier: structural, vision, api, or none.
	Method string
	// Conclusive reports whether the verdict settles the question.
	Conclusive bool
	// Detail says what the tier saw.
	Detail string
}

// VisionModel judges a screenshot. Implemented by vision.Client.
type VisionModel interface {
	Analyze(ctx context.Context, screenshot []byte, question string) (*vision.Analysis, error)
}

// Oracle is an authoritative platform check, e.g. an API that can say
// definitively whether the message exists. Implementations live outside the
// engine; the chain only rations how often they are asked.
type Oracle interface {
	Confirm(ctx context.Context, req *action.Request) (confirmed bool, detail string, err error)
}

// Logger is the subset of logging the chain needs.
type Logger interface {
	LogDebug(message string)
	LogWarn(message string)
}

// Chain runs verification tiers in cost order.
type Chain struct {
	// Vision is the screenshot tier. Nil disables it.
	Vision VisionModel
	// Oracle is the authoritative tier. Nil disables it.
	Oracle Oracle
	// MinConfidence gates conclusive vision verdicts. Zero means
	// DefaultMinConfidence.
	MinConfidence float64
	// OracleLimiter rations oracle calls. Nil means unlimited.
	OracleLimiter *rate.Limiter
	// Logger receives tier-by-tier diagnostics. Nil disables them.
	Logger Logger
}

// NewChain builds a chain with an oracle budget of oracleRate calls per
// second (burst 1). Pass a nil vision model or oracle to disable that tier.
func NewChain(visionModel VisionModel, oracle Oracle, minConfidence, oracleRate float64) *Chain {
	c := &Chain{
		Vision:        visionModel,
		Oracle:        oracle,
		MinConfidence: minConfidence,
	}
	if oracle != nil && oracleRate > 0 {
		c.OracleLimiter = rate.NewLimiter(rate.Limit(oracleRate), 1)
	}
	return c
}

// Verify runs the chain for one executed request against its captured state.
// It always returns a verdict; Conclusive=false means every available tier
// shrugged and the verdict carries the highest confidence seen.
func (c *Chain) Verify(ctx context.Context, req *action.Request, st *driver.State) *Verdict {
	var best *Verdict

	if req.Hint != "" && st != nil && st.HTML != "" {
		v := probeStructural(st.HTML, req)
		c.debugf("structural tier: conclusive=%t success=%t (%s)", v.Conclusive, v.Success, v.Detail)
		if v.Conclusive {
			return v
		}
		best = better(best, v)
	}

	if c.Vision != nil && st != nil && len(st.Screenshot) > 0 {
		if v := c.visionTier(ctx, req, st); v != nil {
			if v.Conclusive {
				return v
			}
			best = better(best, v)
		}
	}

	if c.Oracle != nil {
		if v := c.oracleTier(ctx, req); v != nil {
			return v
		}
	}

	if best == nil {
		return &Verdict{
			Method: action.MethodNone,
			Detail: "no verification tier could run",
		}
	}
	return best
}

func (c *Chain) visionTier(ctx context.Context, req *action.Request, st *driver.State) *Verdict {
	analysis, err := c.Vision.Analyze(ctx, st.Screenshot, verificationQuestion(req))
	if err != nil {
		c.warnf("vision tier unavailable: %v", err)
		return nil
	}

	v := &Verdict{
		Success:    analysis.Answer,
		Confidence: analysis.Confidence,
		Method:     action.MethodVision,
		Detail:     analysis.Reason,
	}
	if analysis.Confidence >= c.minConfidence() {
		v.Conclusive = true
	} else {
		c.debugf("vision tier advisory: confidence %.2f below threshold %.2f", analysis.Confidence, c.minConfidence())
	}
	return v
}

func (c *Chain) oracleTier(ctx context.Context, req *action.Request) *Verdict {
	if c.OracleLimiter != nil {
		if err := c.OracleLimiter.Wait(ctx); err != nil {
			c.warnf("oracle tier skipped: %v", err)
			return nil
		}
	}
	confirmed, detail, err := c.Oracle.Confirm(ctx, req)
	if err != nil {
		c.warnf("oracle tier failed: %v", err)
		return nil
	}
	return &Verdict{
		Success:    confirmed,
		Confidence: oracleConfidence,
		Method:     action.MethodAPI,
		Conclusive: true,
		Detail:     detail,
	}
}

func (c *Chain) minConfidence() float64 {
	if c.MinConfidence > 0 {
		return c.MinConfidence
	}
	return DefaultMinConfidence
}

// verificationQuestion phrases what the vision tier should look for.
func verificationQuestion(req *action.Request) string {
	switch req.Kind {
	case action.KindClick:
		return fmt.Sprintf("Was %q clicked successfully? Look for its effect: a pressed or active state, a dialog, navigation, or new content.", req.Target)
	case action.KindType:
		return fmt.Sprintf("Does %q now contain the text %q?", req.Target, req.InputText)
	case action.KindScroll:
		return "Has the page scrolled so that different content is visible?"
	case action.KindComposite:
		return fmt.Sprintf("Did the sequence %q complete successfully?", req.Target)
	default:
		return fmt.Sprintf("Is the following true of the page: %s?", req.Target)
	}
}

func better(a, b *Verdict) *Verdict {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if b.Confidence > a.Confidence {
		return b
	}
	return a
}

func (c *Chain) debugf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.LogDebug(fmt.Sprintf(format, args...))
	}
}

func (c *Chain) warnf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.LogWarn(fmt.Sprintf(format, args...))
	}
}
