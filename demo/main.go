package main

import (
	"fmt"

	"github.com/axiomhq/digest"
)

func main() {
	qdigest, err := digest.NewQuantileDigest(0.01)
	if err != nil {
		panic(err)
	}
	tdigest := digest.NewDefaultTDigest()
	for i := 0; i < 1e6; i++ {
		qdigest.Add(int64(i))
		if err := tdigest.Add(float64(i)); err != nil {
			panic(err)
		}
	}

	quartiles := []float64{0, 0.25, 0.5, 0.75, 1}
	fmt.Println(qdigest.ConfidenceFactor())
	fmt.Println(qdigest.Quantiles(quartiles))
	fmt.Println(qdigest.Histogram([]int64{250000, 500000, 750000, 1000000}))
	fmt.Println(tdigest.ValuesAt(quartiles))
	fmt.Println(tdigest.CentroidCount(), tdigest.SerializedSize())
}
