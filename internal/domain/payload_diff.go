package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FieldChange records one field-level delta between two payloads. From/To are
// canonically encoded values; nil means the field is absent on that side.
type FieldChange struct {
	Field string  `json:"field"`
	From  *string `json:"from,omitempty"`
	To    *string `json:"to,omitempty"`
}

// ComputeFieldChanges flattens both payloads and returns the fields whose
// canonical encoding differs, sorted by field name.
func ComputeFieldChanges(base, target map[string]any) ([]FieldChange, error) {
	baseFlat, err := flattenedPayload(base)
	if err != nil {
		return nil, err
	}
	targetFlat, err := flattenedPayload(target)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]struct{}, len(baseFlat)+len(targetFlat))
	for key := range baseFlat {
		fields[key] = struct{}{}
	}
	for key := range targetFlat {
		fields[key] = struct{}{}
	}

	changes := make([]FieldChange, 0)
	for field := range fields {
		from, hasFrom := baseFlat[field]
		to, hasTo := targetFlat[field]
		if hasFrom && hasTo && from == to {
			continue
		}
		change := FieldChange{Field: field}
		if hasFrom {
			value := from
			change.From = &value
		}
		if hasTo {
			value := to
			change.To = &value
		}
		changes = append(changes, change)
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Field < changes[j].Field })
	return changes, nil
}

// PayloadEqual reports whether two payloads have identical canonical encodings.
func PayloadEqual(a, b map[string]any) bool {
	aFlat, err := flattenedPayload(a)
	if err != nil {
		return false
	}
	bFlat, err := flattenedPayload(b)
	if err != nil {
		return false
	}
	if len(aFlat) != len(bFlat) {
		return false
	}
	for key, value := range aFlat {
		if other, ok := bFlat[key]; !ok || other != value {
			return false
		}
	}
	return true
}

// PayloadCanonicalText flattens a payload into deterministic lines suitable
// for diffing.
func PayloadCanonicalText(payload map[string]any) ([]string, error) {
	flattened, err := flattenedPayload(payload)
	if err != nil {
		return nil, err
	}

	if len(flattened) == 0 {
		return []string{"(empty)"}, nil
	}

	keys := make([]string, 0, len(flattened))
	for key := range flattened {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(flattened))
	for _, key := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", key, flattened[key]))
	}
	return lines, nil
}

// BuildPayloadDiff produces a unified diff between two payloads using the
// provided labels.
func BuildPayloadDiff(baseLabel string, base map[string]any, targetLabel string, target map[string]any) (string, error) {
	baseLines, err := PayloadCanonicalText(base)
	if err != nil {
		return "", err
	}
	targetLines, err := PayloadCanonicalText(target)
	if err != nil {
		return "", err
	}

	ops := diffLines(baseLines, targetLines)

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("--- %s\n", baseLabel))
	builder.WriteString(fmt.Sprintf("+++ %s\n", targetLabel))
	for _, operation := range ops {
		builder.WriteString(operation.prefix)
		builder.WriteString(operation.line)
		builder.WriteString("\n")
	}
	return builder.String(), nil
}

func flattenedPayload(payload map[string]any) (map[string]string, error) {
	flattened := map[string]string{}
	if len(payload) > 0 {
		if err := flattenValue("", payload, flattened); err != nil {
			return nil, err
		}
	}
	return flattened, nil
}

func flattenValue(prefix string, value any, acc map[string]string) error {
	switch typed := value.(type) {
	case map[string]any:
		if len(typed) == 0 {
			if prefix != "" {
				acc[prefix] = "{}"
			}
			return nil
		}
		keys := make([]string, 0, len(typed))
		for key := range typed {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			nextPrefix := key
			if prefix != "" {
				nextPrefix = prefix + "." + key
			}
			if err := flattenValue(nextPrefix, typed[key], acc); err != nil {
				return err
			}
		}
	case []any:
		if len(typed) == 0 {
			if prefix != "" {
				acc[prefix] = "[]"
			}
			return nil
		}
		for idx, item := range typed {
			nextPrefix := fmt.Sprintf("%s[%d]", prefix, idx)
			if prefix == "" {
				nextPrefix = fmt.Sprintf("[%d]", idx)
			}
			if err := flattenValue(nextPrefix, item, acc); err != nil {
				return err
			}
		}
	case nil:
		if prefix != "" {
			acc[prefix] = "null"
		}
	default:
		if prefix == "" {
			return fmt.Errorf("payload key missing for value %v", typed)
		}
		encoded, err := json.Marshal(typed)
		if err != nil {
			acc[prefix] = fmt.Sprintf("%v", typed)
		} else {
			acc[prefix] = string(encoded)
		}
	}

	return nil
}

type diffOp struct {
	prefix string
	line   string
}

// diffLines computes a line-level diff via longest common subsequence.
func diffLines(base, target []string) []diffOp {
	m := len(base)
	n := len(target)
	dp := make([][]int, m+1)
	for i := range dp {
		dp[i] = make([]int, n+1)
	}

	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if base[i] == target[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	ops := make([]diffOp, 0, m+n)
	i, j := 0, 0
	for i < m && j < n {
		if base[i] == target[j] {
			ops = append(ops, diffOp{prefix: " ", line: base[i]})
			i++
			j++
			continue
		}

		if dp[i+1][j] >= dp[i][j+1] {
			ops = append(ops, diffOp{prefix: "-", line: base[i]})
			i++
		} else {
			ops = append(ops, diffOp{prefix: "+", line: target[j]})
			j++
		}
	}

	for i < m {
		ops = append(ops, diffOp{prefix: "-", line: base[i]})
		i++
	}

	for j < n {
		ops = append(ops, diffOp{prefix: "+", line: target[j]})
		j++
	}

	return ops
}
