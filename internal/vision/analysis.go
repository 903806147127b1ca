package vision

import (
	"gocv.io/x/gocv"
)

// Pixel statistics shared by the classifier and the navigator.

// meanBrightness averages every channel of the mat.
func meanBrightness(m gocv.Mat) float64 {
	s := m.Mean()
	if m.Channels() == 1 {
		return s.Val1
	}
	return (s.Val1 + s.Val2 + s.Val3) / 3
}

// channelMeans returns the per-channel means of a BGR mat.
func channelMeans(m gocv.Mat) (b, g, r float64) {
	s := m.Mean()
	return s.Val1, s.Val2, s.Val3
}

// grayStats converts to grayscale and returns mean and standard deviation.
func grayStats(m gocv.Mat) (mean, std float64) {
	gray := gocv.NewMat()
	defer gray.Close()
	if m.Channels() > 1 {
		gocv.CvtColor(m, &gray, gocv.ColorBGRToGray)
	} else {
		m.CopyTo(&gray)
	}

	meanMat := gocv.NewMat()
	defer meanMat.Close()
	stdMat := gocv.NewMat()
	defer stdMat.Close()
	gocv.MeanStdDev(gray, &meanMat, &stdMat)
	return meanMat.GetDoubleAt(0, 0), stdMat.GetDoubleAt(0, 0)
}

// colorVariance sums the standard deviation of each channel. Colorful
// regions like the icon bar score high; flat overlays score low.
func colorVariance(m gocv.Mat) float64 {
	meanMat := gocv.NewMat()
	defer meanMat.Close()
	stdMat := gocv.NewMat()
	defer stdMat.Close()
	gocv.MeanStdDev(m, &meanMat, &stdMat)

	total := 0.0
	for i := 0; i < stdMat.Rows(); i++ {
		total += stdMat.GetDoubleAt(i, 0)
	}
	return total
}

// goldRatio is the fraction of pixels in the gold/yellow hue band.
func goldRatio(m gocv.Mat) float64 {
	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(m, &hsv, gocv.ColorBGRToHSV)

	mask := gocv.NewMat()
	defer mask.Close()
	lower := gocv.NewScalar(15, 100, 100, 0)
	upper := gocv.NewScalar(35, 255, 255, 0)
	gocv.InRangeWithScalar(hsv, lower, upper, &mask)

	total := mask.Rows() * mask.Cols()
	if total == 0 {
		return 0
	}
	return float64(gocv.CountNonZero(mask)) / float64(total)
}

// histogramCorrelation compares grayscale histograms of two mats,
// returning the correlation coefficient in [-1, 1].
func histogramCorrelation(a, b gocv.Mat) float64 {
	histA := grayHistogram(a)
	defer histA.Close()
	histB := grayHistogram(b)
	defer histB.Close()
	return float64(gocv.CompareHist(histA, histB, gocv.HistCmpCorrel))
}

func grayHistogram(m gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	defer gray.Close()
	if m.Channels() > 1 {
		gocv.CvtColor(m, &gray, gocv.ColorBGRToGray)
	} else {
		m.CopyTo(&gray)
	}

	hist := gocv.NewMat()
	mask := gocv.NewMat()
	defer mask.Close()
	gocv.CalcHist([]gocv.Mat{gray}, []int{0}, mask, &hist, []int{64}, []float64{0, 256}, false)
	gocv.Normalize(hist, &hist, 0, 1, gocv.NormMinMax)
	return hist
}

// RegionReport summarizes the pixel statistics of one frame crop.
type RegionReport struct {
	Brightness float64 `json:"brightness"`
	BlueMean   float64 `json:"blue_mean"`
	GreenMean  float64 `json:"green_mean"`
	RedMean    float64 `json:"red_mean"`
	GrayStd    float64 `json:"gray_std"`
	ColorVar   float64 `json:"color_variance"`
	GoldRatio  float64 `json:"gold_ratio"`
}

// InspectRegion computes the report the classifier heuristics are built
// on, for offline tuning against captured frames.
func InspectRegion(m gocv.Mat) RegionReport {
	b, g, r := channelMeans(m)
	_, std := grayStats(m)
	return RegionReport{
		Brightness: meanBrightness(m),
		BlueMean:   b,
		GreenMean:  g,
		RedMean:    r,
		GrayStd:    std,
		ColorVar:   colorVariance(m),
		GoldRatio:  goldRatio(m),
	}
}

// Similarity scores how alike two equally-purposed frames are by
// combining normalized template correlation with histogram correlation.
// Both inputs should be the same size; the smaller is matched inside
// the larger otherwise.
func Similarity(a, b gocv.Mat) float64 {
	if a.Empty() || b.Empty() {
		return 0
	}

	big, small := a, b
	if small.Rows() > big.Rows() || small.Cols() > big.Cols() {
		big, small = small, big
	}
	if small.Rows() > big.Rows() || small.Cols() > big.Cols() {
		// Neither fits inside the other.
		return histogramCorrelation(a, b)
	}

	result := gocv.NewMat()
	defer result.Close()
	mask := gocv.NewMat()
	defer mask.Close()
	gocv.MatchTemplate(big, small, &result, gocv.TmCcoeffNormed, mask)
	_, ncc, _, _ := gocv.MinMaxLoc(result)

	hist := histogramCorrelation(a, b)
	return (float64(ncc) + hist) / 2
}
