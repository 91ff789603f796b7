package bridge

import (
	"fmt"
	"html"
	"slices"
	"strings"

	"github.com/bdobrica/meshbridge/internal/mesh"
)

// renderBody produces the plain and HTML Matrix bodies for a message state.
// Rendering is pure: the same state, children, and directory contents always
// yield the same bodies, so repeated edits after stat merges are idempotent.
//
// Matrix-originated states render in compact mode, stats only, because the
// text is already on screen in the user's own Matrix message.
func renderBody(st *MessageState, lookup func(uint32) *MessageState, names *Directory) (plain, formatted string) {
	stats := statsLine(st.Receptions, names)
	replyPlain, replyHTML := renderReplies(st, lookup, names)

	if st.IsMatrixOrigin {
		if stats == "" {
			return strings.TrimPrefix(replyPlain, "\n"), strings.TrimPrefix(replyHTML, "<br/>")
		}
		plain = receivedLine(stats) + replyPlain
		formatted = receivedLineHTML(stats) + replyHTML
		return plain, formatted
	}

	sender := names.DisplayName(st.SenderNode)
	plain = fmt.Sprintf("%s: %s", sender, st.OriginalText)
	formatted = fmt.Sprintf("<b>%s</b>: %s", html.EscapeString(sender), html.EscapeString(st.OriginalText))
	if stats != "" {
		plain += "\n" + receivedLine(stats)
		formatted += "<br/>" + receivedLineHTML(stats)
	}
	return plain + replyPlain, formatted + replyHTML
}

func receivedLine(stats string) string {
	return "(Received by: " + stats + ")"
}

func receivedLineHTML(stats string) string {
	return "<small>(Received by: " + html.EscapeString(stats) + ")</small>"
}

// statsLine joins per-gateway entries in insertion order. Direct receptions
// show signal strength, forwarded ones the hop count. The LAN radio has no
// node identity and renders as the bare source tag.
func statsLine(receptions []mesh.ReceptionStats, names *Directory) string {
	if len(receptions) == 0 {
		return ""
	}
	parts := make([]string, 0, len(receptions))
	for _, r := range receptions {
		parts = append(parts, gatewayDisplay(r.GatewayID, names)+" ("+receptionMetric(r)+")")
	}
	return strings.Join(parts, ", ")
}

func gatewayDisplay(gatewayID string, names *Directory) string {
	if gatewayID == mesh.GatewayLAN {
		return mesh.GatewayLAN
	}
	return names.DisplayName(gatewayID)
}

func receptionMetric(r mesh.ReceptionStats) string {
	if r.HopCount > 0 {
		return fmt.Sprintf("%d hops", r.HopCount)
	}
	rssi := r.RSSI
	if rssi < 0 {
		rssi = -rssi
	}
	return fmt.Sprintf("-%ddB", rssi)
}

// renderReplies builds the indented block under a message: one line per reply
// child in insertion order, then reactions aggregated by emoji with their
// reactors listed in first-seen order. Evicted children are omitted.
func renderReplies(st *MessageState, lookup func(uint32) *MessageState, names *Directory) (string, string) {
	if len(st.Replies) == 0 {
		return "", ""
	}

	var plainLines, htmlLines []string
	var emojiOrder []string
	reactors := make(map[string][]string)

	for _, id := range st.Replies {
		child := lookup(id)
		if child == nil {
			continue
		}
		if child.IsReaction {
			emoji := strings.TrimSpace(child.OriginalText)
			if emoji == "" {
				continue
			}
			name := names.DisplayName(child.SenderNode)
			if _, seen := reactors[emoji]; !seen {
				emojiOrder = append(emojiOrder, emoji)
			}
			if !slices.Contains(reactors[emoji], name) {
				reactors[emoji] = append(reactors[emoji], name)
			}
			continue
		}

		sender := names.DisplayName(child.SenderNode)
		stats := statsLine(child.Receptions, names)
		line := fmt.Sprintf("  ↳ %s: %s", sender, child.OriginalText)
		lineHTML := fmt.Sprintf("&nbsp;&nbsp;↳ <b>%s</b>: %s", html.EscapeString(sender), html.EscapeString(child.OriginalText))
		if stats != "" {
			line += " (" + stats + ")"
			lineHTML += " <small>(" + html.EscapeString(stats) + ")</small>"
		}
		plainLines = append(plainLines, line)
		htmlLines = append(htmlLines, lineHTML)
	}

	for _, emoji := range emojiOrder {
		who := strings.Join(reactors[emoji], ", ")
		plainLines = append(plainLines, fmt.Sprintf("  ↳ %s — %s", emoji, who))
		htmlLines = append(htmlLines, fmt.Sprintf("&nbsp;&nbsp;↳ %s — %s", emoji, html.EscapeString(who)))
	}

	if len(plainLines) == 0 {
		return "", ""
	}
	return "\n" + strings.Join(plainLines, "\n"), "<br/>" + strings.Join(htmlLines, "<br/>")
}
