package planner

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

var (
	presentationRe = regexp.MustCompile(`\b(presentation|pptx?|slides?|powerpoint)\b`)
	meetingRe      = regexp.MustCompile(`\b(meeting|conference|call|webinar)\b`)
	slideFileRe    = regexp.MustCompile(`([\w\-.]+\.pptx?)\b`)
	volumeRe       = regexp.MustCompile(`volume\s*(?:to\s*)?(\d{1,3})`)
	clauseSepRe    = regexp.MustCompile(`(?i)\s*(?:[,;]\s*(?:(?:and\s+)?then\b|and\b)?|\band then\b|\bthen\b|\band\b)\s*`)
	messageRe      = regexp.MustCompile(`(?i)^(?:(?:please\s+)?(?:send|text|message)\s+(?:a\s+message\s+)?(?:to\s+)?|to\s+)(.+?)\s+(?:saying|says)\s+(.+)$`)
)

// TemplateProposer is the deterministic proposer. It recognises message
// lists ("to X saying Y and to Z saying W"), presentation and meeting
// setup, sending a report, volume changes and "open X", and otherwise
// proposes a clarification question.
type TemplateProposer struct{}

// NewTemplateProposer returns the deterministic proposer.
func NewTemplateProposer() *TemplateProposer { return &TemplateProposer{} }

// Propose implements Proposer.
func (TemplateProposer) Propose(_ context.Context, goal string, snapshot map[string]any) ([]Proposal, error) {
	gt := strings.ToLower(strings.TrimSpace(goal))
	var out []Proposal

	if msgs := MessageClauses(goal); len(msgs) > 0 {
		steps := make([]ProposedStep, len(msgs))
		for i, m := range msgs {
			steps[i] = ProposedStep{
				Intent:     "send_message",
				Domain:     "messaging",
				Entities:   map[string]any{"contact": m.Contact, "text": m.Text},
				Confidence: 0.9,
				Note:       "Message " + m.Contact,
			}
		}
		out = append(out, Proposal{Explanation: "Send each message in order", Score: 0.95, Steps: steps})
	}

	if presentationRe.MatchString(gt) {
		out = append(out, presentationPlan(gt, snapshot))
	}
	if meetingRe.MatchString(gt) {
		out = append(out, Proposal{
			Explanation: "Meeting setup",
			Score:       0.8,
			Steps: []ProposedStep{
				{Intent: "open_app", Domain: "os", Entities: map[string]any{"app": "calendar"}, Confidence: 0.9, Note: "Open the calendar"},
				{Intent: "open_app", Domain: "os", Entities: map[string]any{"app": "zoom"}, Confidence: 0.85, Optional: true, Note: "Open the video client"},
				{Intent: "set_do_not_disturb", Domain: "os", Entities: map[string]any{"state": "on"}, Confidence: 0.8, Note: "Enable Do Not Disturb"},
				{Intent: "set_volume", Domain: "os", Entities: map[string]any{"level": 50}, Confidence: 0.8, Note: "Set volume to 50"},
			},
		})
	}
	if strings.Contains(gt, "report") && strings.Contains(gt, "send") {
		out = append(out, reportPlan(snapshot))
	}

	if len(out) == 0 {
		switch {
		case volumeRe.MatchString(gt):
			level, _ := strconv.Atoi(volumeRe.FindStringSubmatch(gt)[1])
			level = max(0, min(100, level))
			out = append(out, Proposal{
				Explanation: "Set volume",
				Score:       0.7,
				Steps:       []ProposedStep{{Intent: "set_volume", Domain: "os", Entities: map[string]any{"level": level}, Confidence: 0.8}},
			})
		case strings.HasPrefix(gt, "open "):
			app := strings.TrimSpace(strings.TrimPrefix(gt, "open "))
			out = append(out, Proposal{
				Explanation: "Open " + app,
				Score:       0.6,
				Steps:       []ProposedStep{{Intent: "open_app", Domain: "os", Entities: map[string]any{"app": app}, Confidence: 0.6, Note: "Open app"}},
			})
		default:
			out = append(out, clarify(goal))
		}
	}
	return out, nil
}

func presentationPlan(gt string, snapshot map[string]any) Proposal {
	path := "presentation.pptx"
	if m := slideFileRe.FindStringSubmatch(gt); m != nil {
		path = m[1]
	} else if last, ok := snapshot["last_file"].(string); ok && slideFileRe.MatchString(strings.ToLower(last)) {
		path = last
	}
	return Proposal{
		Explanation: "Presentation prep",
		Score:       0.85,
		Steps: []ProposedStep{
			{Intent: "open_app", Domain: "os", Entities: map[string]any{"app": "powerpoint"}, Confidence: 0.9, Note: "Open PowerPoint"},
			{Intent: "open_file", Domain: "file", Entities: map[string]any{"path": path}, Confidence: 0.85, Optional: true, Note: "Open the presentation"},
			{Intent: "set_do_not_disturb", Domain: "os", Entities: map[string]any{"state": "on"}, Confidence: 0.8, Note: "Enable Do Not Disturb"},
			{Intent: "set_volume", Domain: "os", Entities: map[string]any{"level": 70}, Confidence: 0.8, Note: "Set volume to 70"},
		},
	}
}

func reportPlan(snapshot map[string]any) Proposal {
	url, _ := snapshot["last_url"].(string)
	if url == "" {
		url = "https://example.com/report.pdf"
	}
	contact, _ := snapshot["last_contact"].(string)
	return Proposal{
		Explanation: "Download the last report and send it",
		Score:       0.7,
		Steps: []ProposedStep{
			{Intent: "download_file", Domain: "web", Entities: map[string]any{"url": url}, Confidence: 0.75, Note: "Download the report"},
			{
				Intent:     "send_message",
				Domain:     "messaging",
				Entities:   map[string]any{"contact": contact, "text": "Here is the report: {{ steps.0.file_path }}"},
				Confidence: 0.7,
				Note:       "Send it to the last contact",
			},
		},
	}
}

// Message is one "to X saying Y" clause.
type Message struct {
	Contact string
	Text    string
}

// MessageClauses extracts every "to X saying Y" clause of goal in order.
// A fragment after a separator that is not itself a message clause is
// folded back into the previous message text. A goal whose first clause is
// not a message yields nothing.
func MessageClauses(goal string) []Message {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil
	}
	seps := clauseSepRe.FindAllStringIndex(goal, -1)
	var (
		out  []Message
		prev int
	)
	add := func(clause, sep string) bool {
		if strings.TrimSpace(clause) == "" {
			return len(out) > 0
		}
		if m := messageRe.FindStringSubmatch(strings.TrimSpace(clause)); m != nil {
			contact := strings.Trim(strings.TrimSpace(m[1]), `"'`)
			text := strings.Trim(strings.TrimSpace(m[2]), `"'`)
			if contact != "" && text != "" {
				out = append(out, Message{Contact: contact, Text: text})
				return true
			}
		}
		if len(out) == 0 {
			return false
		}
		out[len(out)-1].Text += sep + clause
		return true
	}

	lastSep := ""
	for _, s := range seps {
		if !add(goal[prev:s[0]], lastSep) {
			return nil
		}
		lastSep = goal[s[0]:s[1]]
		prev = s[1]
	}
	if !add(goal[prev:], lastSep) {
		return nil
	}
	return out
}
