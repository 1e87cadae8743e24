// Copyright 2024-2026 Aiku AI

// Package slackfmt converts the relay's markdown dialect to Slack mrkdwn.
package slackfmt

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	boldRe      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	strikeRe    = regexp.MustCompile(`~~(.+?)~~`)
	codeRe      = regexp.MustCompile("`[^`\n]+`")
	codeBlockRe = regexp.MustCompile("(?s)```(\\w+)?\\n?(.*?)```")
	// The target may be wrapped in angle brackets to suppress embeds.
	linkRe    = regexp.MustCompile(`\[([^\]]+)\]\(<?([^)>\s]+)>?\)`)
	subtextRe = regexp.MustCompile(`(?m)^-#\s+(.+)$`)
	headingRe = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	ulRe      = regexp.MustCompile(`(?m)^(\s*)[-*]\s+(.+)$`)
)

// ToMrkdwn converts markdown to Slack mrkdwn. Code spans and blocks are
// passed through untouched. Text that is already mrkdwn is left as is.
func ToMrkdwn(text string) string {
	if text == "" {
		return ""
	}

	var protected []string
	protect := func(s string) string {
		idx := len(protected)
		protected = append(protected, s)
		return "\x00CODE" + strconv.Itoa(idx) + "\x00"
	}
	text = codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		// Slack has no syntax highlighting, so the language hint is dropped.
		return protect("```" + strings.Trim(parts[2], "\n") + "```")
	})
	text = codeRe.ReplaceAllStringFunc(text, protect)

	text = linkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		label, href := parts[1], parts[2]
		lower := strings.ToLower(href)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") && !strings.HasPrefix(lower, "mailto:") {
			return label
		}
		return "<" + href + "|" + strings.NewReplacer("|", "/", ">", "").Replace(label) + ">"
	})

	text = subtextRe.ReplaceAllString(text, "_${1}_")
	text = headingRe.ReplaceAllString(text, "**$1**")
	text = ulRe.ReplaceAllString(text, "$1• $2")
	text = boldRe.ReplaceAllString(text, "*$1*")
	text = strikeRe.ReplaceAllString(text, "~$1~")

	for i, code := range protected {
		text = strings.Replace(text, "\x00CODE"+strconv.Itoa(i)+"\x00", code, 1)
	}
	return text
}

var (
	entityLinkRe = regexp.MustCompile(`<((?:https?|mailto):[^|>]+)(?:\|([^>]+))?>`)
	mentionRe    = regexp.MustCompile(`<([@#!])([^|>]+)(?:\|([^>]+))?>`)
)

// ToPlain strips mrkdwn link and mention markup, for places that cannot
// render it such as fallback text.
func ToPlain(text string) string {
	text = entityLinkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := entityLinkRe.FindStringSubmatch(match)
		if parts[2] != "" {
			return parts[2]
		}
		return parts[1]
	})
	text = mentionRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := mentionRe.FindStringSubmatch(match)
		if parts[3] != "" {
			if parts[1] == "!" {
				return "@" + parts[3]
			}
			return parts[1] + parts[3]
		}
		if parts[1] == "!" {
			return "@" + parts[2]
		}
		return parts[1] + parts[2]
	})
	return strings.NewReplacer("&lt;", "<", "&gt;", ">", "&amp;", "&").Replace(text)
}
