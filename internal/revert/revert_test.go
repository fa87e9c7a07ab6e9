package revert_test

import (
	"fmt"

	"github.com/streamnode/brokerd/internal/revert"
)

// Example of how to use the revert package to fail a function and run
// revert functions in reverse order.
func ExampleReverter_fail() {
	r := revert.New()
	defer r.Fail()

	r.Add(func() { fmt.Println("1st step") })
	r.Add(func() { fmt.Println("2nd step") })

	// Revert functions are run in reverse order on return.
	// Output: 2nd step
	// 1st step
}

// Example of how to use revert to succeed a function.
func ExampleReverter_success() {
	r := revert.New()
	defer r.Fail()

	r.Add(func() { fmt.Println("1st step") })
	r.Add(func() { fmt.Println("2nd step") })

	r.Success() // Revert functions added are not run on return.
	// Output:
}
