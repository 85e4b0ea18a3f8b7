// Package scoring rates how relevant extracted text is to an entity.
package scoring

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/aininja-pro/DriveShop-Clip-sub000/internal/discovery"
)

// MinTextLength is the shortest text that can score above zero.
const MinTextLength = 100

var (
	reviewKeywords     = []string{"review", "test drive", "first drive", "road test", "preview", "impressions"}
	automotiveKeywords = []string{"mpg", "horsepower", "transmission", "engine", "interior", "exterior", "trunk", "cargo"}
)

// Keyword scores text by counting make and model mentions plus review and
// automotive vocabulary. Scores range over [0, 10].
type Keyword struct {
	now func() time.Time
}

// NewKeyword returns a Keyword scorer. now decides which years count as
// recent; nil means time.Now.
func NewKeyword(now func() time.Time) *Keyword {
	if now == nil {
		now = time.Now
	}
	return &Keyword{now: now}
}

// Score implements discovery.Scorer.
func (k *Keyword) Score(_ context.Context, text string, entity discovery.Entity) (float64, error) {
	return k.score(text, entity.Make, entity.Model), nil
}

func (k *Keyword) score(text, vehicleMake, vehicleModel string) float64 {
	if len(text) < MinTextLength {
		return 0
	}
	content := strings.ToLower(text)
	vehicleMake = strings.ToLower(strings.TrimSpace(vehicleMake))
	vehicleModel = strings.ToLower(strings.TrimSpace(vehicleModel))

	score := 0.0
	if vehicleMake != "" {
		score += math.Min(float64(strings.Count(content, vehicleMake))*0.5, 3)
	}
	if vehicleModel != "" {
		score += math.Min(float64(strings.Count(content, vehicleModel)), 4)
	}
	if vehicleMake != "" && vehicleModel != "" {
		for _, combined := range []string{vehicleMake + " " + vehicleModel, vehicleMake + "-" + vehicleModel, vehicleMake + vehicleModel} {
			if strings.Contains(content, combined) {
				score += 2
				break
			}
		}
	}
	for _, kw := range reviewKeywords {
		if strings.Contains(content, kw) {
			score += 0.2
		}
	}
	auto := 0
	for _, kw := range automotiveKeywords {
		if strings.Contains(content, kw) {
			auto++
		}
	}
	score += math.Min(float64(auto)*0.1, 1)

	year := k.now().Year()
	for y := year - 2; y <= year; y++ {
		if strings.Contains(content, strconv.Itoa(y)) {
			score += 0.5
			break
		}
	}
	return math.Min(score, 10)
}

var _ discovery.Scorer = (*Keyword)(nil)
