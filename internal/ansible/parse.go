package ansible

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/run-ansible-pull/internal/model"
)

// The patterns stop at the opening brace of the json body, the body itself
// is read by a json.Decoder, so it may span any number of lines.
var (
	// localhost | FAILED! => {
	gitResultRx = regexp.MustCompile(`(?m)^(\S+) \| (\w+!?)\s+=>\s+\{`)

	// PLAY RECAP ******
	// localhost : ok=3 changed=1 unreachable=0 failed=0 [skipped=0 rescued=0 ignored=0]
	playRecapRx = regexp.MustCompile(`(?m)^PLAY RECAP \*+\n(\S+)\s+:\s+` +
		`ok=(\d+)\s+` +
		`changed=(\d+)\s+` +
		`unreachable=(\d+)\s+` +
		`failed=(\d+)`)

	// TASK [role : task] ******
	// [An exception occurred ... The error was: <exception>]
	// fatal: [localhost]: FAILED! => {
	playFailureRx = regexp.MustCompile(`(?m)^TASK\s+\[([^\]]+)\]\s+\*+\s*\n\s*` +
		`(?:An exception occurred.* The error was: (.+?)\n\s*)?` +
		`(?:fatal|failed):\s+.*?\s+=>\s+\{`)
)

const ignoringMarker = "...ignoring"

// Parse extracts the git sync result, the play recap and the first counted
// task failure from the output of ansible-pull. The three scans are
// independent, any of them may find nothing.
func Parse(output string) model.RunResult {
	return model.RunResult{
		Git:     parseGitResult(output),
		Recap:   parsePlayRecap(output),
		Failure: parsePlayFailure(output),
	}
}

func parseGitResult(text string) *model.GitResult {
	m := gitResultRx.FindStringSubmatchIndex(text)
	if m == nil {
		return nil
	}

	ret := &model.GitResult{
		Host:    text[m[2]:m[3]],
		Success: strings.HasPrefix(strings.ToLower(text[m[4]:m[5]]), "success"),
	}

	obj, _, err := decodeObject(text, m[1]-1)
	if err != nil {
		ret.ParseError = fmt.Sprintf("(Failed to parse Ansible Git result JSON: %s)", err)
		return ret
	}

	ret.Failed = isTrue(obj["failed"])
	ret.Changed = isTrue(obj["changed"])
	ret.Before = scalar(obj["before"])
	ret.After = scalar(obj["after"])
	ret.Msg = escapeNewlines(scalar(obj["msg"]))
	return ret
}

func parsePlayRecap(text string) *model.PlayRecap {
	m := playRecapRx.FindStringSubmatch(text)
	if m == nil {
		return nil
	}

	var counts [4]int
	for i := range counts {
		n, err := strconv.Atoi(m[i+2])
		if err != nil {
			return nil
		}
		counts[i] = n
	}

	return &model.PlayRecap{
		Host:        m[1],
		Ok:          counts[0],
		Changed:     counts[1],
		Unreachable: counts[2],
		Failed:      counts[3],
	}
}

func parsePlayFailure(text string) *model.PlayFailure {
	for _, m := range playFailureRx.FindAllStringSubmatchIndex(text, -1) {
		failure := &model.PlayFailure{
			RoleAndTask: text[m[2]:m[3]],
		}
		if m[4] >= 0 {
			failure.Exception = text[m[4]:m[5]]
		}

		obj, end, err := decodeObject(text, m[1]-1)
		if err != nil {
			end = lineEnd(text, m[1])
			failure.Task = model.TaskParseError{
				Reason: fmt.Sprintf("(Failed to parse Ansible task result JSON: %s)", err),
			}
		} else {
			failure.Task = taskRecord(obj)
		}

		// ansible reports ignore_errors: true failures and prints ...ignoring after them
		if strings.HasPrefix(strings.TrimLeft(text[end:], " \t\r\n"), ignoringMarker) {
			continue
		}
		return failure
	}
	return nil
}

func taskRecord(obj map[string]any) model.TaskRecord {
	rec := model.TaskRecord{
		Fields: make(map[string]string, len(obj)),
	}
	for key, value := range obj {
		switch key {
		case "msg":
			rec.Msg = escapeNewlines(scalar(value))
		case "module_stderr":
			rec.ModuleStderr = scalar(value)
		default:
			rec.Fields[key] = scalar(value)
		}
	}
	return rec
}

// decodeObject decodes a json object starting at text[start] and returns
// it together with the offset of the first byte after it.
func decodeObject(text string, start int) (map[string]any, int, error) {
	dec := json.NewDecoder(strings.NewReader(text[start:]))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, start, err
	}
	return obj, start + int(dec.InputOffset()), nil
}

func lineEnd(text string, from int) int {
	if idx := strings.IndexByte(text[from:], '\n'); idx >= 0 {
		return from + idx
	}
	return len(text)
}

// scalar returns strings as they are and any other json value as its json text.
func scalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// isTrue accepts both the json boolean and the "true" string some modules print.
func isTrue(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x == "true"
	default:
		return false
	}
}

func escapeNewlines(s string) string {
	return strings.ReplaceAll(s, "\n", `\n`)
}
