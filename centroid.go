package digest

import "fmt"

// Centroid is a weighted mean standing for a cluster of nearby values.
type Centroid struct {
	Mean   float64
	Weight float64
}

func (c Centroid) String() string {
	return fmt.Sprintf("{%g %g}", c.Mean, c.Weight)
}

// absorb folds o into c, keeping the weighted mean.
func (c Centroid) absorb(o Centroid) Centroid {
	w := c.Weight + o.Weight
	return Centroid{
		Mean:   c.Mean + (o.Mean-c.Mean)*o.Weight/w,
		Weight: w,
	}
}

// mergeSorted interleaves two mean-sorted centroid lists in linear time. The
// result never aliases a or b.
func mergeSorted(a, b []Centroid) []Centroid {
	out := make([]Centroid, 0, len(a)+len(b))
	var i, j int
	for i != len(a) && j != len(b) {
		if b[j].Mean < a[i].Mean {
			out = append(out, b[j])
			j++
		} else {
			out = append(out, a[i])
			i++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

func reverseCentroids(cs []Centroid) {
	for i, j := 0, len(cs)-1; i < j; i, j = i+1, j-1 {
		cs[i], cs[j] = cs[j], cs[i]
	}
}
