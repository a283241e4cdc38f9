package lifecycle

import (
	"hash/fnv"
	"math/rand/v2"

	"github.com/kasuganosora/engagement/model"
)

// Template is a quest blueprint the scheduler instantiates per cycle.
type Template struct {
	Key         string
	Name        string
	Description string
	QuestType   model.QuestType
	Refresh     model.RefreshCycle
	Counter     model.CounterType
	Target      int64
	RewardXP    int64
	Difficulty  model.Difficulty
}

// Definition builds the generated quest definition of t for one cycle.
func (t Template) Definition(guildID, cycleID string) *model.QuestDefinition {
	key, cycle := t.Key, cycleID
	return &model.QuestDefinition{
		GuildID:          guildID,
		Name:             t.Name,
		Description:      t.Description,
		QuestType:        t.QuestType,
		RequirementType:  t.Counter,
		RequirementValue: t.Target,
		RewardXP:         t.RewardXP,
		RewardMultiplier: 1,
		Difficulty:       t.Difficulty,
		RefreshCycle:     t.Refresh,
		Active:           true,
		TemplateKey:      &key,
		GeneratedCycle:   &cycle,
	}
}

var DailyPool = []Template{
	{Key: "daily:messenger", Name: "Daily Messenger", Description: "Send messages in any channel",
		QuestType: model.QuestDaily, Refresh: model.CycleDaily, Counter: model.CounterMessages, Target: 10, RewardXP: 100, Difficulty: model.DifficultyEasy},
	{Key: "daily:reactor", Name: "Daily Reactor", Description: "Add reactions to messages",
		QuestType: model.QuestDaily, Refresh: model.CycleDaily, Counter: model.CounterReactions, Target: 5, RewardXP: 75, Difficulty: model.DifficultyEasy},
	{Key: "daily:voice", Name: "Daily Voice", Description: "Spend time in voice channels",
		QuestType: model.QuestDaily, Refresh: model.CycleDaily, Counter: model.CounterVoiceTime, Target: 5 * 60, RewardXP: 150, Difficulty: model.DifficultyMedium},
	{Key: "daily:commander", Name: "Daily Commander", Description: "Use bot commands",
		QuestType: model.QuestDaily, Refresh: model.CycleDaily, Counter: model.CounterCommands, Target: 3, RewardXP: 50, Difficulty: model.DifficultyEasy},
}

var WeeklyPool = []Template{
	{Key: "weekly:communicator", Name: "Weekly Communicator", Description: "Send messages throughout the week",
		QuestType: model.QuestWeekly, Refresh: model.CycleWeekly, Counter: model.CounterMessages, Target: 50, RewardXP: 500, Difficulty: model.DifficultyMedium},
	{Key: "weekly:engager", Name: "Weekly Engager", Description: "React to lots of messages",
		QuestType: model.QuestWeekly, Refresh: model.CycleWeekly, Counter: model.CounterReactions, Target: 20, RewardXP: 250, Difficulty: model.DifficultyEasy},
	{Key: "weekly:voice", Name: "Weekly Voice Chatter", Description: "Spend time in voice channels with friends",
		QuestType: model.QuestWeekly, Refresh: model.CycleWeekly, Counter: model.CounterVoiceTime, Target: 30 * 60, RewardXP: 750, Difficulty: model.DifficultyHard},
	{Key: "weekly:commander", Name: "Weekly Commander", Description: "Make good use of bot commands",
		QuestType: model.QuestWeekly, Refresh: model.CycleWeekly, Counter: model.CounterCommands, Target: 10, RewardXP: 300, Difficulty: model.DifficultyMedium},
}

// SpecialQuests never reset; they are created once per guild.
var SpecialQuests = []Template{
	{Key: "special:voice-veteran", Name: "Voice Veteran", Description: "Spend a total of 10 hours in voice channels",
		QuestType: model.QuestSpecial, Refresh: model.CycleOnce, Counter: model.CounterVoiceTime, Target: 10 * 60 * 60, RewardXP: 2000, Difficulty: model.DifficultyHard},
	{Key: "special:reaction-master", Name: "Reaction Master", Description: "Add 100 reactions to messages",
		QuestType: model.QuestSpecial, Refresh: model.CycleOnce, Counter: model.CounterReactions, Target: 100, RewardXP: 500, Difficulty: model.DifficultyMedium},
	{Key: "special:message-milestone", Name: "Message Milestone", Description: "Send 1000 messages in the server",
		QuestType: model.QuestSpecial, Refresh: model.CycleOnce, Counter: model.CounterMessages, Target: 1000, RewardXP: 1500, Difficulty: model.DifficultyHard},
	{Key: "special:command-connoisseur", Name: "Command Connoisseur", Description: "Use 50 bot commands",
		QuestType: model.QuestSpecial, Refresh: model.CycleOnce, Counter: model.CounterCommands, Target: 50, RewardXP: 1000, Difficulty: model.DifficultyMedium},
}

// Pick selects between 2 and maxPicks templates from pool. The choice is a
// pure function of guild and cycle, so every process and every re-run of a
// tick picks the same set.
func Pick(pool []Template, guildID, cycleID string, maxPicks int) []Template {
	if maxPicks > len(pool) {
		maxPicks = len(pool)
	}
	if maxPicks < 2 {
		maxPicks = min(2, len(pool))
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(guildID + "/" + cycleID))
	seed := h.Sum64()
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	n := maxPicks
	if maxPicks > 2 {
		n = 2 + r.IntN(maxPicks-1)
	}
	perm := r.Perm(len(pool))
	out := make([]Template, 0, n)
	for _, i := range perm[:n] {
		out = append(out, pool[i])
	}
	return out
}
