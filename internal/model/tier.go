package model

import "fmt"

// Tier is the authority level granted to an agent for one action type.
// Tiers are ordered: Disabled < Approve < Suggest < Auto.
type Tier string

const (
	// TierDisabled — the agent may not act at all.
	TierDisabled Tier = "disabled"
	// TierApprove — the agent may prepare the action; a human must approve execution.
	TierApprove Tier = "approve"
	// TierSuggest — the agent surfaces the action as a one-click suggestion.
	TierSuggest Tier = "suggest"
	// TierAuto — the agent executes without human review.
	TierAuto Tier = "auto"
)

// tierOrder maps tiers to their rank for comparison and stepping.
var tierOrder = map[Tier]int{
	TierDisabled: 0,
	TierApprove:  1,
	TierSuggest:  2,
	TierAuto:     3,
}

// tierByRank is the inverse of tierOrder.
var tierByRank = [...]Tier{TierDisabled, TierApprove, TierSuggest, TierAuto}

// Valid reports whether t is one of the four known tiers.
func (t Tier) Valid() bool {
	_, ok := tierOrder[t]
	return ok
}

// Rank returns the ordinal position of the tier (Disabled=0 .. Auto=3).
// Panics on an unknown tier; callers must validate first.
func (t Tier) Rank() int {
	r, ok := tierOrder[t]
	if !ok {
		panic(fmt.Sprintf("model: unknown tier %q", t))
	}
	return r
}

// Next returns the tier one level up, or Auto if already at the top.
func (t Tier) Next() Tier {
	r := t.Rank()
	if r >= len(tierByRank)-1 {
		return TierAuto
	}
	return tierByRank[r+1]
}

// Prev returns the tier one level down, or Disabled if already at the bottom.
func (t Tier) Prev() Tier {
	r := t.Rank()
	if r <= 0 {
		return TierDisabled
	}
	return tierByRank[r-1]
}

// ActionType is a category of agent-performed action subject to authorization.
// The set is closed per deployment: configuration names the recognized values
// and the ingestor rejects anything else.
type ActionType string

// DefaultActionTypes is the built-in action type set, overridable via config.
var DefaultActionTypes = []ActionType{
	"send_email",
	"create_task",
	"post_chat_message",
	"update_crm_record",
	"send_proposal",
}
