// Command uplinehub serves the referral rewards API and runs the reward task
// workers.
package main

import (
	"context"
	"log"

	"github.com/dalemusser/uplinehub/internal/app/bootstrap"
	"github.com/dalemusser/waffle/app"
)

func main() {
	if err := app.Run(context.Background(), bootstrap.Hooks); err != nil {
		log.Fatalf("uplinehub: %v", err)
	}
}
