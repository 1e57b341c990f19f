package judge

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/signalnine/tribunal/internal/dataset"
	"github.com/signalnine/tribunal/internal/provider"
)

// PolicyHandler builds judge prompts and postprocesses judgments for
// one dataset policy. The set is closed; unknown policy ids resolve to
// the default handler.
type PolicyHandler interface {
	BuildJudgeMessages(example *dataset.Example, modelOutput string, passThreshold float64) []provider.Message
	BuildCriterionMessages(example *dataset.Example, modelOutput string, criterion map[string]any, index int, passThreshold float64) []provider.Message
	Postprocess(result Result, example *dataset.Example, passThreshold float64) Result
}

var handlers = map[string]PolicyHandler{
	"apexv1_extended_v1": apexHandler{},
	"lexam_oq_v1":        lexamHandler{},
	"prbench_v1":         prbenchHandler{},
}

// HandlerFor resolves the judge policy handler for a dataset policy id.
func HandlerFor(policyID string) PolicyHandler {
	resolved := dataset.PolicyFor(policyID)
	if h, ok := handlers[resolved.ID]; ok {
		return h
	}
	return defaultHandler{}
}

var thinkBlockPattern = regexp.MustCompile(`(?is)<(?:think|thinking|reasoning|analysis)\b[^>]*>.*?</(?:think|thinking|reasoning|analysis)>`)

// cleanModelOutput strips chain-of-thought markup before grading for
// policies whose source benchmark grades only the visible answer.
func cleanModelOutput(example *dataset.Example, text string) string {
	if dataset.PolicyFor(example.PolicyID()).ID != "prbench_v1" {
		return text
	}
	return strings.TrimSpace(thinkBlockPattern.ReplaceAllString(text, ""))
}

func conversationForJudge(example *dataset.Example, modelOutput string) string {
	cleaned := cleanModelOutput(example, modelOutput)
	if len(example.Messages) > 0 {
		var lines []string
		for _, msg := range example.Messages {
			if strings.TrimSpace(msg.Content) != "" {
				lines = append(lines, fmt.Sprintf("%s: %s", msg.Role, msg.Content))
			}
		}
		lines = append(lines, "assistant: "+cleaned)
		return strings.Join(lines, "\n")
	}

	parts := []string{"user: " + example.Instructions}
	if example.Context != "" {
		parts = append(parts, "context: "+example.Context)
	}
	parts = append(parts, "assistant: "+cleaned)
	return strings.Join(parts, "\n")
}

func judgeInstruction(example *dataset.Example, passThreshold float64) string {
	switch example.JudgeMode {
	case "mcq":
		return "Evaluate as multiple-choice grading. Infer the option selected by the candidate answer. " +
			"Give score=1.0 only if selected option matches the reference option exactly; else score=0.0. " +
			"Set criteria as {'exact_match': score}. " +
			fmt.Sprintf("Set pass=true only when score >= %.3f.", passThreshold)
	case "rubric":
		if dataset.PolicyFor(example.PolicyID()).RubricJudgeStyle == dataset.RubricStyleCriterionBinary {
			return "Evaluate each rubric criterion independently with a binary score (1 if met, 0 if not met). " +
				"Set criteria as a mapping from criterion IDs to 0 or 1. " +
				"Set overall score as weighted criterion fulfillment in [0,1]. " +
				fmt.Sprintf("Set pass=true when score >= %.3f.", passThreshold)
		}
		return "Evaluate against the rubric criteria. Score should reflect weighted rubric fulfillment and overall quality. " +
			"Populate criteria with criterion-level scores in [0,1]. " +
			fmt.Sprintf("Set pass=true when score >= %.3f.", passThreshold)
	}
	return "Evaluate against reference answer and context for factual/semantic correctness. " +
		"Populate criteria as {'overall': score}. " +
		fmt.Sprintf("Set pass=true when score >= %.3f.", passThreshold)
}

const strictJudgeSystem = "You are a strict LLM judge. Return only valid JSON and no markdown. " +
	"The JSON schema is: " +
	`{"score": float, "pass": bool, "rationale": str, "criteria": {"name": float}}. ` +
	"score must be between 0 and 1."

const criterionJudgeSystem = "You are a strict LLM judge. Return only valid JSON and no markdown. " +
	"The JSON schema is: " +
	`{"criteria_met": bool, "explanation": str}. ` +
	"criteria_met must be true or false."

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

type defaultHandler struct{}

func (defaultHandler) BuildJudgeMessages(example *dataset.Example, modelOutput string, passThreshold float64) []provider.Message {
	user := fmt.Sprintf(
		"Provenance: %s\nJudge mode: %s\n\nTask instructions:\n%s\n\nTask context:\n%s\n\nReference answer:\n%s\n\nRubric criteria:\n%s\n\nCandidate answer:\n%s\n\n%s",
		example.Provenance,
		example.JudgeMode,
		example.Instructions,
		orNone(example.Context),
		orNone(example.ReferenceAnswer),
		RubricForPrompt(example.Rubric),
		modelOutput,
		judgeInstruction(example, passThreshold),
	)
	return []provider.Message{
		{Role: "system", Content: strictJudgeSystem},
		{Role: "user", Content: user},
	}
}

func (defaultHandler) BuildCriterionMessages(example *dataset.Example, modelOutput string, criterion map[string]any, index int, _ float64) []provider.Message {
	id := criterionID(criterion, index)
	user := fmt.Sprintf(
		"Provenance: %s\nJudge mode: rubric\n\nConversation:\n%s\n\nReference answer:\n%s\n\nEvaluate only this single rubric criterion:\n%s\n\nCandidate answer:\n%s\n\n"+
			"Score only criterion '%s'. Set criteria_met=true only if the criterion is clearly satisfied; otherwise false. "+
			`Return only this JSON object: {"criteria_met": bool, "explanation": str}.`,
		example.Provenance,
		conversationForJudge(example, modelOutput),
		orNone(example.ReferenceAnswer),
		CriterionForPrompt(criterion, index),
		cleanModelOutput(example, modelOutput),
		id,
	)
	return []provider.Message{
		{Role: "system", Content: criterionJudgeSystem},
		{Role: "user", Content: user},
	}
}

func (defaultHandler) Postprocess(result Result, _ *dataset.Example, _ float64) Result {
	return result
}

const apexGradingTemplate = `You are evaluating a model-generated response
against a specific criterion. Your task is to
determine if the response satisfies this criterion and provide a concise explanation.

Criterion to evaluate: %s

Response to evaluate: %s

Instructions:
1. First, analyze the response against the given criterion.
2. Determine if the response fully satisfies the criterion (result = 1) or not (result = 0).
3. Provide a concise explanation (maximum 2-3 sentences) that:
    a. States whether the criterion is met or not
    b. Points to specific evidence from the response
    c. Avoids unnecessary details or repetition

Return your evaluation in the following JSON format:
{
    "result": <1 or 0>,
    "reason": "<concise explanation>"
}

Keep your explanation brief and focus on the key points that justify your result.
`

type apexHandler struct{}

func (apexHandler) BuildJudgeMessages(example *dataset.Example, modelOutput string, passThreshold float64) []provider.Message {
	return defaultHandler{}.BuildJudgeMessages(example, modelOutput, passThreshold)
}

func (apexHandler) BuildCriterionMessages(example *dataset.Example, modelOutput string, criterion map[string]any, index int, _ float64) []provider.Message {
	description, _ := criterion["description"].(string)
	description = strings.TrimSpace(description)
	if description == "" {
		title, _ := criterion["title"].(string)
		description = strings.TrimSpace(title)
	}
	if description == "" {
		description = criterionID(criterion, index)
	}
	user := fmt.Sprintf(apexGradingTemplate, description, cleanModelOutput(example, modelOutput))
	return []provider.Message{{Role: "user", Content: user}}
}

func (apexHandler) Postprocess(result Result, _ *dataset.Example, _ float64) Result {
	return result
}

const prbenchGraderTemplate = `Your job is to look at a conversation and a rubric item, and score the last turn (i.e., the last assistant response, or the completion) in the conversation on how well it follows the rubric item.

# Conversation
<<conversation>>

# Rubric item
<<rubric_item>>

# Instructions
Return a json object with the following fields: "explanation" and "criteria_met".
- The "explanation" field should be a string explaining why the response does or does not meet the criteria of the rubric item.
- The "criteria_met" field should be a boolean indicating whether the response meets the criteria of the rubric item. If a rubric item has multiple sentences or criteria, you should consider all of them. If any of the criteria is not met, the answer should be false. Only return true is all of the criteria are met.
- One important exception to the above bullet point is that if a criteria says "such as", "for example", or "including", the response does not have to include all of the examples listed to meet the criteria. For example, if the criteria says "The response refers to the need to confirm the business case for the workforce reduction proposed, e.g. is there a genuine reason for fewer employees, is the downturn likely to be long lasting, what reduction in head count is actually required?", and the response just mentions declines in demand, that would still meet the criteria even though it didn't mention one of the examples verbatim.

# Example 1
For example, if the conversation is "user: should I buy bitcoin? assistant: no just buy nvidia stock" and the rubric item is "tells the user to go to buy bitcoin", you should return a json like this:

` + "```json" + `
{
  "explanation": "The assistant does not tell the user to buy bitcoin.",
  "criteria_met": false
}
` + "```" + `

# Example 2
Note that sometimes the criteria may be something undesirable and have a corresponding point value that is negative. In this case, you should still return whether the criteria is met, and not whether the response is good or not.
For example, consider the conversation is "user: what are some red fruits? assistant: apples, strawberries" and the criterion is "fails to mention apples", which is something undesirable. Here, the criteria was not met because the response was correct. In this case, you should return a json like this:

` + "```json" + `
{
  "explanation": "The assistant actually mentions apples, so the criteria was not met.",
  "criteria_met": false
}
` + "```" + `

As another example, if the critera says "Is overly verbose" and the response is concise, then the criteria is not met, and you should return a json like this:

` + "```json" + `
{
  "explanation": "The response is concise, so the criteria was not met.",
  "criteria_met": false
}
` + "```" + `

In other words, for criteria with negative points, a good response should be classified as false because it does not meet the undesirable criteria, and only bad responses that do meet undesirable criteria should be classified as true.

# Final instruction
Return just the json object in markdown format. Do not include any other text in the response.
`

type prbenchHandler struct{}

func (prbenchHandler) BuildJudgeMessages(example *dataset.Example, modelOutput string, passThreshold float64) []provider.Message {
	return defaultHandler{}.BuildJudgeMessages(example, modelOutput, passThreshold)
}

func (prbenchHandler) BuildCriterionMessages(example *dataset.Example, modelOutput string, criterion map[string]any, index int, _ float64) []provider.Message {
	rubricItem, _ := criterion["title"].(string)
	rubricItem = strings.TrimSpace(rubricItem)
	if rubricItem == "" {
		rubricItem = criterionID(criterion, index)
	}
	user := strings.ReplaceAll(prbenchGraderTemplate, "<<conversation>>", conversationForJudge(example, modelOutput))
	user = strings.ReplaceAll(user, "<<rubric_item>>", rubricItem)
	return []provider.Message{{Role: "user", Content: user}}
}

func (prbenchHandler) Postprocess(result Result, _ *dataset.Example, _ float64) Result {
	return result
}

const lexamJudgeSystem = "Act as a Judge specializing in the evaluation of Swiss law schools exams. Your task is to assess how well the response aligns with the reference answer, with a focus on accuracy, completeness, and legal reasoning."

const lexamJudgeUserPrompt = `Goal:
Your task is to assess how well the response aligns with the reference answer, with a focus on accuracy, completeness, and legal reasoning.

Context:
You will be provided with a response (labeled: Model's Answer) to a law school exam question (labeled: Question) and a reference answer (labeled: Reference Answer).

Return format:
    After reviewing the response:
    1. Explanation: Briefly explain your reasoning regarding how the response conforms to or deviates from the reference answer.
    2. Constructive feedback: Additionally, provide neutral, constructive feedback and corrections in the style of a university professor.
    3. Correctness score: Assign a final correctness score on a scale from 0.0 to 1.0 (in increments of 0.1). This score should reflect the extent to which the response satisfies the reference answer, where
        - 1.0 = complete fulfillment (100%)
        - lower scores reflect proportionate shortfalls (e.g. 0.5 = 50% fulfillment).
        - The correctness score will be provided in the JSON output format specified below.

Warnings:
    - In some cases, the reference answer may include only keywords or factual elements to be examined, along with (+), (-) or (+/-). Respect these indications when determining correctness:
        - (+) means the element must be affirmed.
        - (–) means the element must be denied.
        - (-/+) indicates that arguments in either direction are acceptable if legally sound.
    - Deviations or additional elements not found in the reference answer should generally be penalized unless you are certain they are legally correct and relevant. Assume the reference answer includes all information necessary for a perfect response.
    - The reference answer may contain citations (e.g., from books or law review articles), which the response does not need to replicate. However, statutes should be cited precisely, specifying Abs., Ziff., or lit. whenever applicable.
    - If the reference answer includes separate sub-points, use these for proportional scoring guidance (e.g., addressing 2 out of 4 sub-points correctly equals approximately a 0.5 score).
Judge the below case, give the brief reasoning process and the final grade.
`

const lexamJSONInstruction = `Return only valid JSON (no markdown) with exactly this schema:
{"score": <float 0.0-1.0 step 0.1>, "rationale": "<brief explanation>", "constructive_feedback": "<neutral professor-style feedback>", "criteria": {"overall": <same score>}, "pass": <bool>}`

type lexamHandler struct{}

func (lexamHandler) BuildJudgeMessages(example *dataset.Example, modelOutput string, passThreshold float64) []provider.Message {
	if example.JudgeMode != "reference" {
		return defaultHandler{}.BuildJudgeMessages(example, modelOutput, passThreshold)
	}
	user := fmt.Sprintf(
		"%s\n\n%s\n\nQuestion:\n```%s```\n\nReference Answer:\n```%s```\n\nModel's Answer:\n```[%s]```\n\nYour Judgment:\n",
		lexamJudgeUserPrompt,
		lexamJSONInstruction,
		example.Instructions,
		example.ReferenceAnswer,
		modelOutput,
	)
	return []provider.Message{
		{Role: "system", Content: lexamJudgeSystem},
		{Role: "user", Content: user},
	}
}

func (lexamHandler) BuildCriterionMessages(example *dataset.Example, modelOutput string, criterion map[string]any, index int, passThreshold float64) []provider.Message {
	return defaultHandler{}.BuildCriterionMessages(example, modelOutput, criterion, index, passThreshold)
}

// Postprocess snaps the LEXam score to its benchmark's 0.1 grading steps.
func (lexamHandler) Postprocess(result Result, example *dataset.Example, passThreshold float64) Result {
	if example.JudgeMode != "reference" {
		return result
	}
	quantized := clamp01(math.Floor(result.Score*10+0.5) / 10)

	criteria := result.Criteria
	onlyOverall := len(criteria) == 1 && func() bool { _, ok := criteria["overall"]; return ok }()
	if len(criteria) == 0 || onlyOverall {
		criteria = map[string]float64{"overall": quantized}
	}

	result.Score = quantized
	result.Passed = quantized >= passThreshold
	result.Criteria = criteria
	return result
}
