package insight

import "encoding/json"

// InsightType describes one analysis the generation backend can produce.
// The catalog is static; categories group the types a single unlock buys.
type InsightType struct {
	ID     string
	Name   string
	System string
	Prompt string // appended after chat metadata and shared context
	Schema json.RawMessage
}

const relationshipSystem = "You are a conversation analyst. Base every claim on the supplied excerpts; never invent quotes."

var relationshipTypes = []InsightType{
	{
		ID:     "communication_style",
		Name:   "Communication Style",
		System: relationshipSystem,
		Prompt: "Describe each participant's communication style: message length, initiative, directness, and how styles interact.",
		Schema: json.RawMessage(`{"type":"object","properties":{"summary":{"type":"string"},"per_participant":{"type":"array","items":{"type":"object","properties":{"name":{"type":"string"},"style":{"type":"string"}},"required":["name","style"]}}},"required":["summary","per_participant"]}`),
	},
	{
		ID:     "emotional_tone",
		Name:   "Emotional Tone",
		System: relationshipSystem,
		Prompt: "Characterize the overall emotional tone of the conversation and how it shifts over time.",
		Schema: json.RawMessage(`{"type":"object","properties":{"summary":{"type":"string"},"dominant_tone":{"type":"string"},"shifts":{"type":"array","items":{"type":"string"}}},"required":["summary","dominant_tone"]}`),
	},
	{
		ID:     "conflict_patterns",
		Name:   "Conflict Patterns",
		System: relationshipSystem,
		Prompt: "Identify recurring friction points, how disagreements start, and how they are resolved or left open.",
		Schema: json.RawMessage(`{"type":"object","properties":{"summary":{"type":"string"},"patterns":{"type":"array","items":{"type":"string"}}},"required":["summary","patterns"]}`),
	},
	{
		ID:     "humor_profile",
		Name:   "Humor Profile",
		System: relationshipSystem,
		Prompt: "Profile the humor in this chat: running jokes, who initiates, what lands and what does not.",
		Schema: json.RawMessage(`{"type":"object","properties":{"summary":{"type":"string"},"running_jokes":{"type":"array","items":{"type":"string"}}},"required":["summary"]}`),
	},
	{
		ID:     "engagement_balance",
		Name:   "Engagement Balance",
		System: relationshipSystem,
		Prompt: "Assess how balanced the engagement is: who carries the conversation, response latency asymmetries, dropped threads.",
		Schema: json.RawMessage(`{"type":"object","properties":{"summary":{"type":"string"},"balance":{"type":"string"}},"required":["summary","balance"]}`),
	},
	{
		ID:     "memorable_moments",
		Name:   "Memorable Moments",
		System: relationshipSystem,
		Prompt: "Pick the most memorable exchanges and explain briefly why each stands out.",
		Schema: json.RawMessage(`{"type":"object","properties":{"moments":{"type":"array","items":{"type":"object","properties":{"title":{"type":"string"},"why":{"type":"string"}},"required":["title","why"]}}},"required":["moments"]}`),
	},
}

var catalog = map[string][]InsightType{
	"relationship": relationshipTypes,
}

// contextQueries drive the one retrieval call per job.
var contextQueries = map[string]string{
	"relationship": "emotionally significant exchanges, disagreements, jokes, plans and recurring topics between the participants",
}

func TypesForCategory(categoryID string) ([]InsightType, error) {
	types, ok := catalog[categoryID]
	if !ok {
		return nil, ErrUnknownCategory
	}
	return types, nil
}

func TypeByID(categoryID, typeID string) (InsightType, error) {
	types, ok := catalog[categoryID]
	if !ok {
		return InsightType{}, ErrUnknownCategory
	}
	for _, t := range types {
		if t.ID == typeID {
			return t, nil
		}
	}
	return InsightType{}, ErrUnknownInsightType
}

func ContextQuery(categoryID string) string {
	if q, ok := contextQueries[categoryID]; ok {
		return q
	}
	return "most significant and representative excerpts of this conversation"
}
