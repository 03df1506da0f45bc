package verify

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/harrison/actuator/internal/action"
)

// probeStructural checks the request's structural hint against captured HTML.
// Presence of the hint selector is the signal: plans phrase hints as
// post-conditions ("the sent-message bubble"), so a match means the action
// took effect and a clean miss means it did not. The probe is inconclusive
// when it cannot run at all (unparseable document), never because the answer
// is ambiguous.
func probeStructural(html string, req *action.Request) *Verdict {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return &Verdict{
			Method: action.MethodStructural,
			Detail: fmt.Sprintf("document not parseable: %v", err),
		}
	}

	sel := doc.Find(req.Hint)
	if sel.Length() == 0 {
		return &Verdict{
			Success:    false,
			Confidence: structuralConfidence,
			Method:     action.MethodStructural,
			Conclusive: true,
			Detail:     fmt.Sprintf("selector %q matched nothing", req.Hint),
		}
	}

	if req.Kind == action.KindType {
		return probeTypedText(sel, req)
	}

	return &Verdict{
		Success:    true,
		Confidence: structuralConfidence,
		Method:     action.MethodStructural,
		Conclusive: true,
		Detail:     fmt.Sprintf("selector %q matched %d element(s)", req.Hint, sel.Length()),
	}
}

// probeTypedText confirms a type action by comparing the field's content,
// checking the value attribute first and falling back to text content for
// contenteditable regions.
func probeTypedText(sel *goquery.Selection, req *action.Request) *Verdict {
	content, ok := sel.First().Attr("value")
	if !ok || content == "" {
		content = sel.First().Text()
	}
	if strings.Contains(content, req.InputText) {
		return &Verdict{
			Success:    true,
			Confidence: structuralConfidence,
			Method:     action.MethodStructural,
			Conclusive: true,
			Detail:     fmt.Sprintf("field %q contains the entered text", req.Hint),
		}
	}
	return &Verdict{
		Success:    false,
		Confidence: structuralConfidence,
		Method:     action.MethodStructural,
		Conclusive: true,
		Detail:     fmt.Sprintf("field %q does not contain the entered text", req.Hint),
	}
}
