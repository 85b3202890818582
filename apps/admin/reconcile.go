package main

import (
	"context"
	"encoding/json"
	"fmt"
)

// reconcile runs the lazy streak evaluation for one user and prints the
// resulting stats. Useful for support tickets: the read path does the same
// thing, so this only forces what the next stats call would do anyway.
func (cli *commandLine) reconcile(userID string) error {
	stats, err := cli.streakSvc.Stats(context.Background(), userID)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
