package registry

import (
	"maps"
	"regexp"
	"strings"

	"github.com/ashita-ai/parley/internal/model"
)

// legacyAliases maps the short tool keys of the legacy {"tool": ...} payload
// shape onto canonical registry names.
var legacyAliases = map[string]string{
	"browser":   "browser.screenshot",
	"email":     "email.draft_send",
	"pdf":       "pdf.generate",
	"csv":       "csv.preview",
	"search":    "search.web",
	"places":    "places.search",
	"download":  "download.fetch",
	"summarize": "summarize.document",
	"sentiment": "sentiment.analyze",
}

// Canonical returns the registry name for a legacy tool key. Unknown keys
// pass through unchanged (and then fail lookup).
func Canonical(tool string) string {
	if name, ok := legacyAliases[tool]; ok {
		return name
	}
	return tool
}

// Normalize converts either payload shape into the canonical {name, args}
// call:
//
//	{"name": "browser.screenshot", "args": {...}}   canonical, returned as is
//	{"tool": "browser", "url": ..., "actions": ...} legacy, aliased
//
// A map with neither key yields the empty call. Fields are never dropped or
// coerced: canonical args that are present but not an object are rejected,
// and legacy fields set to null are kept for the schema to judge.
func Normalize(raw map[string]any) (model.ToolCall, error) {
	if raw == nil {
		return model.ToolCall{}, nil
	}
	if name, ok := raw["name"].(string); ok && name != "" {
		rawArgs, present := raw["args"]
		if !present {
			return model.ToolCall{Name: name, Args: map[string]any{}}, nil
		}
		args, ok := rawArgs.(map[string]any)
		if !ok {
			return model.ToolCall{}, &ValidationError{Tool: name, Path: "args", Message: "must be an object"}
		}
		return model.ToolCall{Name: name, Args: maps.Clone(args)}, nil
	}

	tool, _ := raw["tool"].(string)
	if tool == "" {
		return model.ToolCall{}, nil
	}
	name := Canonical(tool)

	args := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "tool" {
			continue
		}
		args[k] = v
	}
	if name == "email.draft_send" {
		if cmd, ok := args["command"].(string); ok {
			delete(args, "command")
			for k, v := range ParseEmailCommand(cmd) {
				if _, set := args[k]; !set {
					args[k] = v
				}
			}
		}
	}
	return model.ToolCall{Name: name, Args: args}, nil
}

// NormalizeCall canonicalises a call that may carry a legacy alias as its name.
func NormalizeCall(c model.ToolCall) model.ToolCall {
	if c.Empty() {
		return c
	}
	args := maps.Clone(c.Args)
	if args == nil {
		args = map[string]any{}
	}
	return model.ToolCall{Name: Canonical(c.Name), Args: args}
}

var emailField = regexp.MustCompile(`(?i)\b(to|subject|body)\s*[=:]`)

// ParseEmailCommand extracts to/subject/body from free text such as
//
//	to=ana@example.com subject=Lunch body=Are you free at noon?
//
// Each value runs until the next recognised key. Text before the first key
// becomes the body when no explicit body is given.
func ParseEmailCommand(cmd string) map[string]any {
	out := map[string]any{}
	locs := emailField.FindAllStringSubmatchIndex(cmd, -1)
	if len(locs) == 0 {
		if s := strings.TrimSpace(cmd); s != "" {
			out["body"] = s
		}
		return out
	}
	lead := strings.TrimSpace(cmd[:locs[0][0]])
	for i, loc := range locs {
		key := strings.ToLower(cmd[loc[2]:loc[3]])
		end := len(cmd)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		val := strings.TrimSpace(cmd[loc[1]:end])
		if _, seen := out[key]; !seen && val != "" {
			out[key] = val
		}
	}
	if _, ok := out["body"]; !ok && lead != "" {
		out["body"] = lead
	}
	return out
}
