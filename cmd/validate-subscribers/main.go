package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/marcelsud/webhook-dispatcher/subscriber"
	"github.com/marcelsud/webhook-dispatcher/subscriber/loader"
)

/* validate-subscribers - Standalone CLI tool to validate subscribers.yaml
 * Usage: go run cmd/validate-subscribers/main.go [subscribers.yaml]
 * Exit codes: 0 = valid, 1 = invalid
 */

func main() {
	subscribersFile := "subscribers.yaml"
	if len(os.Args) > 1 {
		subscribersFile = os.Args[1]
	}

	fmt.Printf("Validating subscribers file: %s\n", subscribersFile)
	fmt.Println(strings.Repeat("-", 50))

	l := loader.NewLoader()
	if err := l.Load(subscribersFile); err != nil {
		fmt.Fprintf(os.Stderr, "❌ VALIDATION FAILED\n\n")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	subs := l.List()
	fmt.Printf("✓ VALIDATION PASSED\n\n")
	fmt.Printf("Loaded %d subscriber(s):\n", len(subs))

	for i, s := range subs {
		fmt.Printf("\n%d. Subscriber: %s (%s)\n", i+1, s.Name, s.ID)
		fmt.Printf("   URL:         %s\n", s.URL)
		fmt.Printf("   Active:      %t\n", s.IsActive)
		fmt.Printf("   Event Types: %s\n", strings.Join(s.EventTypes, ", "))
		fmt.Printf("   Auth:        %s\n", subscriber.AuthTypeOf(s.Auth))
		fmt.Printf("   Retries:     %d (delay %s)\n", s.RetryCount, s.RetryDelay)
		fmt.Printf("   Timeout:     %s\n", s.Timeout)

		if s.SigningSecret != "" {
			fmt.Printf("   Signed:      yes\n")
		}
		if len(s.CustomHeaders) > 0 {
			fmt.Printf("   Headers:     %d custom\n", len(s.CustomHeaders))
		}
	}

	fmt.Printf("\n✓ All subscribers are valid!\n")
	os.Exit(0)
}
