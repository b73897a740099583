package processor

import (
	"fmt"
	"os"
	"strings"

	"github.com/objstash/objstash/job"
)

// ImportFile bulk-enqueues the ids listed in a flat comma-separated file.
// Completed ids are skipped, failed ids are reset and retried, anything
// currently in flight is left alone. Returns how many ids were enqueued
// or retried.
func (p *Processor) ImportFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read import file: %w", err)
	}

	touched := 0
	for _, raw := range strings.Split(string(data), ",") {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}

		done, err := p.store.Contains(job.Completed.String(), id)
		if err != nil {
			return touched, err
		}
		if done {
			p.Log.Printf("Skipping %q: already completed", id)
			continue
		}

		if failed, err := p.inFailureSet(id); err != nil {
			return touched, err
		} else if failed {
			p.Log.Printf("Retrying previously failed %q", id)
			if err := p.Retry(id); err != nil {
				return touched, err
			}
			touched++
			continue
		}

		known, err := p.isKnown(id)
		if err != nil {
			return touched, err
		}
		if known {
			p.Log.Printf("Skipping %q: already in flight", id)
			continue
		}

		if err := p.Enqueue(id); err != nil {
			return touched, err
		}
		touched++
	}

	p.Schedule()
	return touched, nil
}

func (p *Processor) inFailureSet(id string) (bool, error) {
	stages := append(job.FailureStages(), job.Cancelled)
	for _, st := range stages {
		ok, err := p.store.Contains(st.String(), id)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
