// Package pricing implements the tiered per-gram price curves for graded
// flower. Prices are plain float arithmetic: no rounding and no clamping.
package pricing

import "shopledger/backend/internal/domain"

// BulkThreshold is the weight in grams from which every grade switches to its
// bulk rate.
const BulkThreshold = 5.0

// exoticMidThreshold is where Exotic leaves its single-gram rate and starts
// the 500 base segment.
const exoticMidThreshold = 3.0

type curve struct {
	perGram  float64
	bulkFive float64
}

var curves = map[domain.Grade]curve{
	domain.GradeMid:      {perGram: 100, bulkFive: 300},
	domain.GradeExotic:   {perGram: 200, bulkFive: 700},
	domain.GradeTop:      {perGram: 300, bulkFive: 1250},
	domain.GradeTopShelf: {perGram: 400, bulkFive: 1800},
}

// Segment names report which part of a grade's curve priced a quote.
const (
	SegmentSingle = "single"
	SegmentMid    = "mid"
	SegmentBulk   = "bulk"
	SegmentNone   = "none"
)

// Price returns the price of weightGrams of the given grade. Unknown grades
// price at 0.
func Price(grade domain.Grade, weightGrams float64) float64 {
	price, _ := priceWithSegment(grade, weightGrams)
	return price
}

// Quote is Price plus the name of the segment that produced it.
func Quote(grade domain.Grade, weightGrams float64) domain.PriceQuote {
	price, segment := priceWithSegment(grade, weightGrams)
	return domain.PriceQuote{
		Grade:   grade,
		Weight:  weightGrams,
		Price:   price,
		Segment: segment,
	}
}

// Grades lists the priced grades in ascending quality.
func Grades() []domain.Grade {
	return []domain.Grade{domain.GradeMid, domain.GradeExotic, domain.GradeTop, domain.GradeTopShelf}
}

func priceWithSegment(grade domain.Grade, w float64) (float64, string) {
	c, ok := curves[grade]
	if !ok {
		return 0, SegmentNone
	}

	if w >= BulkThreshold {
		return (w / BulkThreshold) * c.bulkFive, SegmentBulk
	}
	if grade == domain.GradeExotic && w >= exoticMidThreshold {
		return 500 + (w-exoticMidThreshold)*c.perGram, SegmentMid
	}
	return w * c.perGram, SegmentSingle
}
