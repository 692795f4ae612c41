// Package hooks implements the interception pipeline: a registry of
// extension callbacks keyed by named points, a dispatcher that threads
// a value through them in deterministic order, and the per-run
// execution context every callback receives.
package hooks

import "github.com/straycat-ai/straycat/internal/memory"

// Point names one interception location in a pipeline. The set is
// fixed: each point has one input/output contract, documented on the
// constant, and dispatch rejects values that break it.
type Point string

// Conversation pipeline points.
const (
	// BeforeCatReadsMessage runs over the parsed inbound Message.
	// A veto here rejects the whole turn.
	BeforeCatReadsMessage Point = "before_cat_reads_message"

	// CatRecallQuery rewrites the recall query string. Defaults to the
	// user text when no hook changes it.
	CatRecallQuery Point = "cat_recall_query"

	// BeforeCatRecallsMemories runs over the recall query before any
	// kind-specific retrieval.
	BeforeCatRecallsMemories Point = "before_cat_recalls_memories"

	// BeforeCatRecallsEpisodicMemories wraps the episodic retrieval.
	BeforeCatRecallsEpisodicMemories Point = "before_cat_recalls_episodic_memories"

	// BeforeCatRecallsDeclarativeMemories wraps the declarative retrieval.
	BeforeCatRecallsDeclarativeMemories Point = "before_cat_recalls_declarative_memories"

	// BeforeCatRecallsProceduralMemories wraps the procedural retrieval.
	BeforeCatRecallsProceduralMemories Point = "before_cat_recalls_procedural_memories"

	// AfterCatRecallsMemories runs over the concatenated []memory.Record.
	// Hooks may filter, reorder or annotate but must return the same
	// record slice type.
	AfterCatRecallsMemories Point = "after_cat_recalls_memories"

	// AgentFastReply may return a *Response marked Direct to skip
	// reasoning entirely.
	AgentFastReply Point = "agent_fast_reply"

	// BeforeAgentStarts augments the structured agent input.
	BeforeAgentStarts Point = "before_agent_starts"

	// AgentPromptPrefix, AgentPromptSuffix and AgentPromptInstructions
	// each override one prompt section independently.
	AgentPromptPrefix       Point = "agent_prompt_prefix"
	AgentPromptSuffix       Point = "agent_prompt_suffix"
	AgentPromptInstructions Point = "agent_prompt_instructions"

	// AgentAllowedTools filters the candidate tool set for the turn.
	AgentAllowedTools Point = "agent_allowed_tools"

	// BeforeCatSendsMessage runs over the outbound *Response; its final
	// value is what gets delivered.
	BeforeCatSendsMessage Point = "before_cat_sends_message"
)

// Ingestion pipeline points.
const (
	// RabbitHoleInstantiatesParsers runs over the parser candidate set
	// before a unit is parsed, so plugins can remove, reorder, or add
	// document parsers. The threaded value is the rabbithole package's
	// []Parser.
	RabbitHoleInstantiatesParsers Point = "rabbit_hole_instantiates_parsers"

	// BeforeRabbitHoleStoresFile, ...Url and ...Text gate one ingestion
	// unit per source kind. A veto skips the unit (not an error).
	BeforeRabbitHoleStoresFile Point = "before_rabbit_hole_stores_file"
	BeforeRabbitHoleStoresURL  Point = "before_rabbit_hole_stores_url"
	BeforeRabbitHoleStoresText Point = "before_rabbit_hole_stores_text"

	// BeforeRabbitHoleSplitsText runs over the parsed raw text.
	BeforeRabbitHoleSplitsText Point = "before_rabbit_hole_splits_text"

	// AfterRabbitHoleSplittedText runs over the chunk sequence; hooks
	// may drop, re-score or annotate chunks.
	AfterRabbitHoleSplittedText Point = "after_rabbit_hole_splitted_text"

	// AfterRabbitHoleStoresDocuments and AfterRabbitHoleDigestion give
	// extensions a completion signal with the stored chunk list.
	AfterRabbitHoleStoresDocuments Point = "after_rabbit_hole_stores_documents"
	AfterRabbitHoleDigestion       Point = "after_rabbit_hole_digestion"
)

// RecallPointFor returns the kind-specific recall point wrapping one
// memory kind's retrieval.
func RecallPointFor(kind memory.Kind) Point {
	switch kind {
	case memory.Episodic:
		return BeforeCatRecallsEpisodicMemories
	case memory.Procedural:
		return BeforeCatRecallsProceduralMemories
	default:
		return BeforeCatRecallsDeclarativeMemories
	}
}
