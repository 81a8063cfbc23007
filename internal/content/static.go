package content

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/rs/zerolog/log"
)

var staticPrompts = []string{
	"The secret ingredient in grandma's famous stew is ____.",
	"Next season on reality TV: celebrities compete at ____.",
	"The real reason the meeting ran long: ____.",
	"Scientists have finally discovered ____.",
	"My therapist says I need to stop ____.",
	"The award for most creative excuse goes to ____.",
	"Breaking news: local mayor caught with ____.",
	"The worst thing to say at a job interview is ____.",
	"If I won the lottery, the first thing I'd buy is ____.",
	"The museum's newest exhibit features ____.",
	"Nothing ruins a road trip faster than ____.",
	"The latest wellness trend nobody asked for: ____.",
}

var staticResponses = []string{
	"a suspicious amount of glitter",
	"my collection of expired coupons",
	"interpretive dance",
	"a llama in a business suit",
	"passive-aggressive sticky notes",
	"the world's largest rubber band ball",
	"an emotional support cactus",
	"seventeen unread voicemails",
	"a motivational poster of a cat",
	"last year's fruitcake",
	"a kazoo solo",
	"the neighbor's wifi password",
	"an uncomfortably long handshake",
	"a conspiracy theory about pigeons",
	"decaf coffee",
	"a very confident raccoon",
	"the office thermostat wars",
	"my search history",
	"a half-finished crossword puzzle",
	"mandatory fun",
	"a glitter bomb disguised as a birthday card",
	"three ferrets in a trench coat",
	"an apology written in comic sans",
	"the last slice of pizza",
	"a karaoke machine with one song",
	"unsolicited life advice",
	"a vending machine that only takes exact change",
	"my high school yearbook photo",
	"an aggressively cheerful alarm clock",
	"the elevator music remix",
}

// StaticSource deals from the built-in pools. When a round needs more
// responses than the pool holds, numbered variants fill the gap so dealt
// texts stay distinct. Safe for concurrent use: one source serves every
// game and rounds start independently.
type StaticSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewStaticSource seeds a source. Pass a fixed seed in tests for
// reproducible decks.
func NewStaticSource(seed int64) *StaticSource {
	return &StaticSource{rng: rand.New(rand.NewSource(seed))}
}

func (s *StaticSource) GenerateRoundContent(ctx context.Context, req Request) (*RoundContent, error) {
	if req.MinResponses < 0 {
		req.MinResponses = 0
	}

	s.mu.Lock()
	prompt := staticPrompts[s.rng.Intn(len(staticPrompts))]
	shuffled := make([]string, len(staticResponses))
	copy(shuffled, staticResponses)
	s.rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	s.mu.Unlock()

	responses := shuffled
	for i := 0; len(responses) < req.MinResponses; i++ {
		responses = append(responses, fmt.Sprintf("%s (vol. %d)", shuffled[i%len(shuffled)], i/len(shuffled)+2))
	}
	return &RoundContent{Prompt: prompt, Responses: responses[:req.MinResponses]}, nil
}

// WithFallback wraps a primary source with the static pool. Generation
// failures are logged and never fatal.
type WithFallback struct {
	Primary  Source
	Fallback Source
}

func (w *WithFallback) GenerateRoundContent(ctx context.Context, req Request) (*RoundContent, error) {
	rc, err := w.Primary.GenerateRoundContent(ctx, req)
	if err == nil && rc != nil && len(rc.Responses) >= req.MinResponses {
		return rc, nil
	}
	if err != nil {
		log.Warn().Err(err).
			Str("game_id", req.GameID.String()).
			Int("round", req.Round).
			Msg("content generation failed, using static pool")
	} else {
		log.Warn().
			Str("game_id", req.GameID.String()).
			Int("round", req.Round).
			Msg("content source returned too few responses, using static pool")
	}
	return w.Fallback.GenerateRoundContent(ctx, req)
}
