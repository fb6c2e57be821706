package bot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMentions(t *testing.T) {
	assert.True(t, mentions("aiMessages", "hey aimessages!"))
	assert.True(t, mentions("Jarvis", "+1555: JARVIS what time is it"))
	assert.False(t, mentions("Jarvis", "jarvisbot help"))
	assert.True(t, mentions("R2.D2", "ok r2.d2, go"))
	assert.False(t, mentions("R2.D2", "ok R2xD2, go"))
	assert.False(t, mentions("", "anything"))
}

func TestChunks(t *testing.T) {
	assert.Equal(t, []string{"short"}, chunks("short", 10))
	assert.Equal(t, []string{"0123456789"}, chunks("0123456789", 10))
	assert.Equal(t, []string{"0123456789", "a"}, chunks("0123456789a", 10))
	assert.Equal(t, []string{"ééé", "éé"}, chunks("ééééé", 3))
	assert.Equal(t, []string{""}, chunks("", 10))
}

func TestPersonaSystem(t *testing.T) {
	p := persona{name: DefaultBotName, prompt: DefaultPersonality}
	assert.Equal(t, "You are a helpful assistant. Your name is aiMessages.", p.system())
}
