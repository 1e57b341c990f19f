package dataset

// RubricJudgeStyle selects how a rubric is graded during judging.
type RubricJudgeStyle string

const (
	// RubricStyleDefault grades the whole rubric in one judge call.
	RubricStyleDefault RubricJudgeStyle = "default"
	// RubricStyleCriterionBinary grades each criterion with its own
	// binary judge call and aggregates by weight.
	RubricStyleCriterionBinary RubricJudgeStyle = "criterion_binary"
)

// Policy captures per-dataset prompting and judging conventions. The
// set is closed: unknown policy ids fall back to DefaultPolicy.
type Policy struct {
	ID                     string
	UseDefaultSystemPrompt bool
	GenerationPrefix       string
	MCQJSONAnswer          bool
	RubricJudgeStyle       RubricJudgeStyle
	IncludeDomainHeader    bool
	RequireSameLanguage    bool
	CitationStyleHint      string
	HandleMissingMaterial  bool
	IncludeAttachmentBlock bool
}

// DefaultPolicy applies when a row carries no policy_id or an unknown one.
var DefaultPolicy = Policy{
	ID:                     "default_v1",
	UseDefaultSystemPrompt: true,
	MCQJSONAnswer:          true,
	RubricJudgeStyle:       RubricStyleDefault,
}

var policies = map[string]Policy{
	"prbench_v1": {
		ID:                     "prbench_v1",
		UseDefaultSystemPrompt: false,
		MCQJSONAnswer:          true,
		RubricJudgeStyle:       RubricStyleCriterionBinary,
		IncludeDomainHeader:    true,
	},
	"apexv1_extended_v1": {
		ID:                     "apexv1_extended_v1",
		UseDefaultSystemPrompt: false,
		MCQJSONAnswer:          true,
		RubricJudgeStyle:       RubricStyleDefault,
		HandleMissingMaterial:  true,
		IncludeAttachmentBlock: true,
	},
	"lexam_oq_v1": {
		ID:                     "lexam_oq_v1",
		UseDefaultSystemPrompt: false,
		MCQJSONAnswer:          true,
		RubricJudgeStyle:       RubricStyleDefault,
		RequireSameLanguage:    true,
		CitationStyleHint:      "Cite the governing statutory provisions or leading cases where they support your answer.",
	},
	"lexam_mcq_v1": {
		ID:                     "lexam_mcq_v1",
		UseDefaultSystemPrompt: false,
		MCQJSONAnswer:          true,
		RubricJudgeStyle:       RubricStyleDefault,
		RequireSameLanguage:    true,
	},
	"includebase_default_v1": {
		ID:                     "includebase_default_v1",
		UseDefaultSystemPrompt: true,
		MCQJSONAnswer:          true,
		RubricJudgeStyle:       RubricStyleDefault,
	},
	"lar_echr_mcq_v1": {
		ID:                     "lar_echr_mcq_v1",
		UseDefaultSystemPrompt: true,
		GenerationPrefix: "You are answering an ECHR argument-continuation multiple-choice question. " +
			"Choose the single best continuation based on the provided facts and argument excerpt.",
		MCQJSONAnswer:    true,
		RubricJudgeStyle: RubricStyleDefault,
	},
}

// PolicyFor resolves a policy id to its variant, defaulting on unknown ids.
func PolicyFor(policyID string) Policy {
	if p, ok := policies[policyID]; ok {
		return p
	}
	return DefaultPolicy
}
