package main

import (
	"fmt"
	"net/http"

	"github.com/eddyengine/eddy/pkg/log"
	"github.com/eddyengine/eddy/pkg/protocol"
	"github.com/eddyengine/eddy/pkg/taskexec"
	echo "github.com/labstack/echo/v4"
)

func HttpLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		log.Trace("HTTP", c.Request().Method, c.Response().Status, c.Request().URL, err)
		return err
	}
}

type taskStatus struct {
	ExecutionID protocol.ExecutionID `json:"execution_id"`
	Name        string               `json:"name"`
	State       string               `json:"state"`
	Cause       string               `json:"cause,omitempty"`
	Metrics     map[string]int64     `json:"metrics,omitempty"`
}

func NewHttpHandler(tasks func() []*taskexec.Task, r *echo.Echo) {
	r.GET("/metrics", func(c echo.Context) error {
		var running, terminal, failed int
		for _, task := range tasks() {
			state := task.ExecutionState()
			switch {
			case state == protocol.ExecutionState_RUNNING:
				running++
			case state == protocol.ExecutionState_FAILED:
				failed++
				terminal++
			case state.IsTerminal():
				terminal++
			}
		}

		metrics := fmt.Sprintln("# TYPE eddy_taskhost_tasks_running gauge")
		metrics += fmt.Sprintln("# HELP eddy_taskhost_tasks_running The number of tasks currently running.")
		metrics += fmt.Sprintf("eddy_taskhost_tasks_running %d\n", running)

		metrics += fmt.Sprintln("# TYPE eddy_taskhost_tasks_total counter")
		metrics += fmt.Sprintln("# HELP eddy_taskhost_tasks_total The total number of completed tasks.")
		metrics += fmt.Sprintf("eddy_taskhost_tasks_total %d\n", terminal)

		metrics += fmt.Sprintln("# TYPE eddy_taskhost_tasks_failed_total counter")
		metrics += fmt.Sprintln("# HELP eddy_taskhost_tasks_failed_total The total number of failed tasks.")
		metrics += fmt.Sprintf("eddy_taskhost_tasks_failed_total %d\n", failed)

		return c.String(http.StatusOK, metrics)
	})

	r.GET("/tasks", func(c echo.Context) error {
		statuses := []*taskStatus{}
		for _, task := range tasks() {
			status := &taskStatus{
				ExecutionID: task.ExecutionID(),
				Name:        task.Name(),
				State:       task.ExecutionState().String(),
				Metrics:     task.MetricGroup().Snapshot(),
			}
			if cause := task.FailureCause(); cause != nil {
				status.Cause = cause.Error()
			}
			statuses = append(statuses, status)
		}
		return c.JSON(http.StatusOK, statuses)
	})
}
