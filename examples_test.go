package scanout_test

import (
	"fmt"

	"github.com/NeowayLabs/scanout"
)

func ExampleOpenCard() {
	// Dumb buffers are plain memory-mapped pixel buffers that need no
	// driver-dependent code; devices that support them can run a
	// software-rendered output path.
	dev, err := scanout.OpenCard(0)
	if err != nil {
		fmt.Printf("error: %s", err)
		return
	}
	defer dev.Close()
	if !dev.SupportsDumbBuffers() {
		fmt.Printf("device does not support dumb buffers")
		return
	}
	fmt.Printf("ok")
}
