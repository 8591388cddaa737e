package domain

// Pricing table: credits per unit, keyed by product code. This table is
// the authoritative source for CalculateJobCost.
var priceTable = map[string]int64{
	"i2i_standard":  1,
	"i2i_high":      2,
	"i2i_nsfw":      1,
	"i2v_5s":        5,
	"i2v_10s":       10,
	"pipeline_full": 15,
	"carousel_5":    3,
	"carousel_10":   5,
	"voice_clone":   5,
	"face_swap":     2,
}

// Price returns the per-unit credit price for a product code, or the
// 1-credit fallback when the code is unknown.
func Price(key string) int64 {
	if p, ok := priceTable[key]; ok {
		return p
	}
	return 1
}

// PriceKey resolves the product code for an output type and its config.
func PriceKey(outputType OutputType, cfg JobConfig) string {
	switch outputType {
	case OutputImage:
		ic := cfg.Image
		if ic == nil {
			return "i2i_standard"
		}
		if ic.NSFW {
			return "i2i_nsfw"
		}
		if ic.Quality == "high" {
			return "i2i_high"
		}
		return "i2i_standard"
	case OutputVideo:
		vc := cfg.Video
		if vc != nil && vc.DurationSec >= 10 {
			return "i2v_10s"
		}
		return "i2v_5s"
	case OutputCarousel:
		cc := cfg.Carousel
		if cc != nil && cc.Slides > 5 {
			return "carousel_10"
		}
		return "carousel_5"
	case OutputPipeline:
		return "pipeline_full"
	}
	return ""
}

// CalculateJobCost prices a whole batch: per-unit price times quantity.
// Unknown combinations fall back to 1 credit per item.
func CalculateJobCost(outputType OutputType, quantity int, cfg JobConfig) int64 {
	if quantity <= 0 {
		return 0
	}
	return Price(PriceKey(outputType, cfg)) * int64(quantity)
}
