package engine

import (
	"context"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/thinkflow/llm"
	"github.com/BaSui01/thinkflow/types"
)

// maxJudges is the verification fan-out under parallel judging.
const maxJudges = 3

// Verdict is the judge's structured answer.
type Verdict struct {
	IsCorrect bool     `json:"is_correct"`
	Reasoning string   `json:"reasoning"`
	Errors    []string `json:"errors"`
}

// VerificationRecord is one verification attempt as kept on the run log.
type VerificationRecord struct {
	Iteration int      `json:"iteration"`
	IsCorrect bool     `json:"is_correct"`
	Reasoning string   `json:"reasoning,omitempty"`
	Errors    []string `json:"errors,omitempty"`
	// Parsed reports whether the judge reply carried valid JSON or the
	// textual fallback decided the verdict.
	Parsed bool `json:"parsed"`
	// Judges is how many judges voted; above one the verdict is a majority.
	Judges int `json:"judges"`
	// Arithmetic is the advisory sanity check over `a op b = c` assertions
	// found in the solution. Nil when nothing checkable was found. It never
	// drives control flow.
	Arithmetic *bool `json:"arithmetic,omitempty"`
}

// ParseVerdict reads a judge reply permissively. The first balanced JSON
// object wins; failing that, a reply opening with "yes" passes and anything
// else fails with the raw text kept as reasoning. The second return reports
// whether JSON decided the verdict.
func ParseVerdict(text string) (Verdict, bool) {
	if raw, ok := extractJSONObject(text); ok {
		var v Verdict
		if err := json.Unmarshal([]byte(raw), &v); err == nil {
			return v, true
		}
	}

	trimmed := strings.TrimSpace(text)
	first := trimmed
	if i := strings.IndexFunc(trimmed, unicode.IsSpace); i >= 0 {
		first = trimmed[:i]
	}
	first = strings.TrimRight(first, ".,:;!")
	if strings.EqualFold(first, "yes") {
		return Verdict{IsCorrect: true, Reasoning: trimmed}, false
	}
	return Verdict{IsCorrect: false, Reasoning: trimmed}, false
}

// extractJSONObject returns the first balanced JSON object in s, tracking
// brace depth and skipping braces inside string literals.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// arithmeticPattern matches plain `a op b = c` assertions. Deliberately
// conservative: anything with variables or nesting is skipped.
var arithmeticPattern = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*([-+*/×÷])\s*(-?\d+(?:\.\d+)?)\s*=\s*(-?\d+(?:\.\d+)?)`)

// arithmeticSanityCheck re-evaluates the arithmetic assertions found in a
// solution. Nil means nothing checkable; false means at least one assertion
// is wrong. Advisory only.
func arithmeticSanityCheck(text string) *bool {
	checked := false
	ok := true
	for _, m := range arithmeticPattern.FindAllStringSubmatch(text, -1) {
		a, errA := strconv.ParseFloat(m[1], 64)
		b, errB := strconv.ParseFloat(m[3], 64)
		want, errC := strconv.ParseFloat(m[4], 64)
		if errA != nil || errB != nil || errC != nil {
			continue
		}

		var got float64
		switch m[2] {
		case "+":
			got = a + b
		case "-":
			got = a - b
		case "*", "×":
			got = a * b
		case "/", "÷":
			if b == 0 {
				continue
			}
			got = a / b
		default:
			continue
		}

		checked = true
		tolerance := 1e-9 * math.Max(1, math.Abs(want))
		if math.Abs(got-want) > tolerance {
			ok = false
		}
	}
	if !checked {
		return nil
	}
	return &ok
}

// verdictResponseFormat is the JSON schema sent to responses-capable
// providers so the judge reply arrives structured.
func verdictResponseFormat() map[string]any {
	return map[string]any{
		"type": "json_schema",
		"json_schema": map[string]any{
			"name": "verification_result",
			"schema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"is_correct": map[string]any{"type": "boolean"},
					"reasoning":  map[string]any{"type": "string"},
					"errors":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required":             []string{"is_correct"},
				"additionalProperties": false,
			},
		},
	}
}

// judgeMessages builds the verification turn. Providers with structured
// output get a response-format schema; everything else gets the JSON guard
// appended to the user turn.
func (c *core) judgeMessages(problem, solution string) ([]types.Message, bool) {
	structured := c.provider.Capabilities().Has(llm.CapResponses)
	input := buildVerifyInput(problem, solution)
	if !structured {
		input += "\n\n" + verifyJSONGuard
	}
	return []types.Message{
		types.SystemMessage(verifyPrompt),
		types.UserMessage(input),
	}, structured
}

// judgeParams derives one judge's params: the caller's settings with a seed
// unique to (iteration, judge) so re-verification never replays a verdict.
func (c *core) judgeParams(base types.CallParams, structured bool, iter, judge int) types.CallParams {
	params := base
	var offset int64
	if params.Seed != nil {
		offset = *params.Seed
	}
	seed := offset + int64(iter*maxJudges+judge)
	params.Seed = &seed
	if structured {
		params.ResponseFormat = verdictResponseFormat()
	}
	return params
}

// verifySolution runs the judge (or a panel of them) over the current
// solution and returns the log record. A provider failure during judging is
// returned as an error and charged against the run's error budget by the
// caller.
func (c *core) verifySolution(ctx context.Context, problem, solution string, params types.CallParams, iter int, parallel bool, tally *usageTally) (VerificationRecord, error) {
	messages, structured := c.judgeMessages(problem, solution)

	judges := 1
	if parallel {
		judges = maxJudges
	}

	verdicts := make([]Verdict, judges)
	parsed := make([]bool, judges)

	if judges == 1 {
		res, err := c.callLLM(ctx, stageVerification, messages, c.judgeParams(params, structured, iter, 0), false, "")
		if err != nil {
			return VerificationRecord{}, err
		}
		tally.addCall(res)
		verdicts[0], parsed[0] = ParseVerdict(res.text)
	} else {
		g, gctx := errgroup.WithContext(ctx)
		for j := 0; j < judges; j++ {
			g.Go(func() error {
				res, err := c.callLLM(gctx, stageVerification, messages, c.judgeParams(params, structured, iter, j), false, "")
				if err != nil {
					return err
				}
				tally.addCall(res)
				verdicts[j], parsed[j] = ParseVerdict(res.text)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return VerificationRecord{}, err
		}
	}

	record := VerificationRecord{
		Iteration:  iter,
		Judges:     judges,
		Arithmetic: arithmeticSanityCheck(solution),
	}

	passes := 0
	for _, v := range verdicts {
		if v.IsCorrect {
			passes++
		}
	}
	record.IsCorrect = passes*2 > judges

	// Keep the reasoning that explains the outcome: the first verdict on
	// the winning side.
	for i, v := range verdicts {
		if v.IsCorrect == record.IsCorrect {
			record.Reasoning = v.Reasoning
			record.Parsed = parsed[i]
			break
		}
	}
	if !record.IsCorrect {
		for _, v := range verdicts {
			if !v.IsCorrect {
				record.Errors = append(record.Errors, v.Errors...)
			}
		}
	}
	return record, nil
}
