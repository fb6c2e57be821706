package bot

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"unicode/utf8"

	"github.com/aimessages/aimessages/internal/store"
)

const (
	DefaultBotName     = "aiMessages"
	DefaultPersonality = "You are a helpful assistant."
)

const welcomeVideoURL = "https://www.youtube.com/shorts/-SgvJ0D5wGI"

// WelcomeGroup is sent when the bot is added to a new group.
const WelcomeGroup = "Hello!!! I see a new group was created 😏\n\n" +
	"I will only respond if mentioned by name " +
	"(that's aiMessages if you haven't given me one yet), " +
	"to anyone with an aiMessages account.\n\n" +
	"Oh! And if you don't have the app yet, follow the link 👇 to get started! " +
	"https://apps.apple.com/us/app/aimessages/id6446336518"

// WelcomePrivate is sent when a user opens a private conversation.
const WelcomePrivate = "Hello!!! 🥳🥳🥳 \n\n" +
	"I will only respond with text after you message me, and make sure " +
	"you're only charged for the messages I get back to you.\n\n" +
	"To generate images, launch the iMessage extension app below " +
	"👇 (I also sent a video to help you find it).\n\n" +
	"⚠️ Prepare to have fun!\n\n" +
	"Try asking me to write you a song, or recommend places to travel " +
	"based on your interests. I can also help with " +
	"professional or educational topics! " + welcomeVideoURL

// persona is the name and system prompt a user configured for the bot.
type persona struct {
	name   string
	prompt string
}

// system returns the system prompt, which always tells the model its name.
func (p persona) system() string {
	return fmt.Sprintf("%s Your name is %s.", p.prompt, p.name)
}

// loadPersona reads botNames/<uid> and personality/<uid>, falling back to
// the defaults when either is missing.
func loadPersona(s store.Store, uid string) persona {
	p := persona{name: DefaultBotName, prompt: DefaultPersonality}
	if v := field(s, store.BotNames, uid, "botName"); v != "" {
		p.name = v
	}
	if v := field(s, store.Personality, uid, "prompt"); v != "" {
		p.prompt = v
	}
	return p
}

func field(s store.Store, collection, id, name string) string {
	doc, err := s.Get(collection, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("bot: reading %s/%s: %v", collection, id, err)
		}
		return ""
	}
	v, _ := doc[name].(string)
	return v
}

// mentions reports whether text contains name as a whole word, ignoring
// case.
func mentions(name, text string) bool {
	if name == "" {
		return false
	}
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`).MatchString(text)
}

// chunks splits text into pieces of at most limit characters.
func chunks(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var out []string
	runes := []rune(text)
	for start := 0; start < len(runes); start += limit {
		end := min(start+limit, len(runes))
		out = append(out, string(runes[start:end]))
	}
	return out
}
