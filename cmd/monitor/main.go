package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"genflow/internal/domain"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "genflow base URL")
	token := flag.String("token", os.Getenv("GENFLOW_TOKEN"), "bearer token (default $GENFLOW_TOKEN)")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	flag.Parse()

	c := newClient(*addr, *token)
	if err := c.waitHealth(30 * time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "genflow health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	jobsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	jobsTable.SetTitle("Jobs (Enter inspect, Ctrl+X cancel, F5 refresh, F10 quit)").SetBorder(true)

	jobView := tview.NewTextView().
		SetDynamicColors(false).
		SetWrap(false)
	jobView.SetTitle("Job").SetBorder(true)

	decisionsView := tview.NewTextView().
		SetDynamicColors(false).
		SetWrap(false)
	decisionsView.SetTitle("Decisions").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Generate: ")
	promptInput.SetBorder(true).SetTitle("Enter = submit <n> [engine|chain]")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | shortcuts: F10 quit, F5 refresh, Ctrl+L focus prompt, Ctrl+T focus jobs",
		c.baseURL,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(jobView, 0, 3, false).
		AddItem(decisionsView, 0, 2, false)

	mainLayout := tview.NewFlex().
		AddItem(jobsTable, 0, 1, false).
		AddItem(right, 0, 2, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var selectedJobID string
	var lastJobs []domain.Job
	var detailsVersion uint64

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshJobs := func() {
		jobs, err := c.listJobs()
		if err != nil {
			app.QueueUpdateDraw(func() {
				jobsTable.Clear()
				jobsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.Slice(jobs, func(i, j int) bool {
			return jobs[i].UpdatedAt.After(jobs[j].UpdatedAt)
		})
		lastJobs = jobs
		app.QueueUpdateDraw(func() {
			renderJobsTable(jobsTable, jobs, selectedJobID)
		})
	}

	refreshDetailsAsync := func(jobID string) {
		if strings.TrimSpace(jobID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)

		go func(selected string, v uint64) {
			type jobResult struct {
				job domain.Job
				err error
			}
			type decisionResult struct {
				items []domain.DecisionLog
				err   error
			}

			jobCh := make(chan jobResult, 1)
			decisionCh := make(chan decisionResult, 1)
			go func() {
				job, err := c.getJob(selected)
				jobCh <- jobResult{job: job, err: err}
			}()
			go func() {
				items, err := c.listJobDecisions(selected, 250)
				decisionCh <- decisionResult{items: items, err: err}
			}()
			jobRes := <-jobCh
			decisionRes := <-decisionCh

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedJobID {
					return
				}
				if jobRes.err != nil {
					jobView.SetText(fmt.Sprintf("error: %v", jobRes.err))
				} else {
					jobView.SetText(renderJob(jobRes.job))
				}
				if decisionRes.err != nil {
					decisionsView.SetText(fmt.Sprintf("error: %v", decisionRes.err))
				} else {
					decisionsView.SetText(renderDecisions(decisionRes.items))
				}
			})
		}(jobID, version)
	}

	submitPrompt := func(prompt string) {
		n, mode, err := parsePrompt(prompt)
		if err != nil {
			setStatusUI(err.Error())
			return
		}
		setStatusUI("Submitting job...")
		promptInput.SetText("")
		go func() {
			job, err := c.submit(n, mode)
			if err != nil {
				setStatusAsync("Failed to submit job: " + err.Error())
				return
			}
			selectedJobID = job.ID
			refreshJobs()
			refreshDetailsAsync(selectedJobID)
			setStatusAsync("Job queued: " + job.ID)
		}()
	}

	cancelSelected := func() {
		jobID := selectedJobID
		if jobID == "" {
			return
		}
		setStatusUI("Canceling " + shortID(jobID) + "...")
		go func() {
			if err := c.cancel(jobID); err != nil {
				setStatusAsync("Cancel failed: " + err.Error())
				return
			}
			refreshJobs()
			refreshDetailsAsync(jobID)
			setStatusAsync("Job canceled: " + jobID)
		}()
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	jobsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastJobs) {
			return
		}
		selectedJobID = lastJobs[row-1].ID
		refreshDetailsAsync(selectedJobID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if app.GetFocus() == promptInput {
			if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyTAB {
				app.SetFocus(jobsTable)
				setStatusUI("Focus -> jobs")
				return nil
			}
			return event
		}

		switch event.Key() {
		case tcell.KeyEscape, tcell.KeyCtrlT:
			app.SetFocus(jobsTable)
			setStatusUI("Focus -> jobs")
			return nil
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			refreshJobs()
			refreshDetailsAsync(selectedJobID)
			setStatusUI("Manual refresh complete")
			return nil
		case tcell.KeyCtrlX:
			cancelSelected()
			return nil
		case tcell.KeyCtrlL, tcell.KeyTAB:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		}
		if event.Key() == tcell.KeyRune {
			app.SetFocus(promptInput)
			return event
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshJobs()
		for _, job := range lastJobs {
			if !job.Status.Terminal() {
				selectedJobID = job.ID
				break
			}
		}
		refreshDetailsAsync(selectedJobID)

		for range ticker.C {
			refreshJobs()
			if selectedJobID == "" && len(lastJobs) > 0 {
				selectedJobID = lastJobs[0].ID
			}
			refreshDetailsAsync(selectedJobID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}
