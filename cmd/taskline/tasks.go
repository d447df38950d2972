package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskline/internal/app"
	"taskline/internal/domain"
	"taskline/internal/engine"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskSubtaskCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskDeleteCmd())
	return task
}

func taskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List top-level tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				tasks, err := a.Engine.ListTopLevelTasks(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Due", "Responsible", "Subtasks"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, dueString(t), responsibleString(t), len(t.Subtasks)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a task and its subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.GetTask(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("#%d %s [%s, %s]\n", t.ID, t.Title, t.Status, t.Priority)
				if !t.TopLevel() {
					fmt.Printf("  subtask of #%d\n", *t.ParentID)
				}
				if t.Description != nil {
					fmt.Printf("  %s\n", *t.Description)
				}
				if due := dueString(t); due != "" {
					fmt.Printf("  due %s\n", due)
				}
				for i, c := range t.Subtasks {
					printSubtask(c, i == len(t.Subtasks)-1)
				}
				return nil
			})
		},
	}
}

type taskFlags struct {
	title, description, due, status, priority, responsible string
	responsibleID, parent                                   int64
}

func (f *taskFlags) register(cmd *cobra.Command, withParent bool) {
	cmd.Flags().StringVar(&f.title, "title", "", "task title")
	cmd.Flags().StringVar(&f.description, "description", "", "description")
	cmd.Flags().StringVar(&f.due, "due", "", "due date (ISO-8601)")
	cmd.Flags().StringVar(&f.status, "status", "", "status (default "+domain.StatusPending+")")
	cmd.Flags().StringVar(&f.priority, "priority", "", "priority (default "+domain.PriorityMedium+")")
	cmd.Flags().StringVar(&f.responsible, "responsible", "", "responsible person name")
	cmd.Flags().Int64Var(&f.responsibleID, "responsible-id", 0, "responsible user id")
	if withParent {
		cmd.Flags().Int64Var(&f.parent, "parent", 0, "parent task id")
	}
}

func (f *taskFlags) createOptions(cmd *cobra.Command) engine.TaskCreateOptions {
	opts := engine.TaskCreateOptions{
		Title:    f.title,
		DueDate:  f.due,
		Status:   f.status,
		Priority: f.priority,
	}
	if cmd.Flags().Changed("description") {
		opts.Description = &f.description
	}
	if cmd.Flags().Changed("responsible") {
		opts.Responsible = &f.responsible
	}
	if cmd.Flags().Changed("responsible-id") {
		opts.ResponsibleID = &f.responsibleID
	}
	if cmd.Flags().Lookup("parent") != nil && cmd.Flags().Changed("parent") {
		opts.ParentID = &f.parent
	}
	return opts
}

func taskCreateCmd() *cobra.Command {
	var f taskFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.CreateTask(ctx, f.createOptions(cmd))
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	f.register(cmd, true)
	return cmd
}

func taskSubtaskCmd() *cobra.Command {
	var f taskFlags
	cmd := &cobra.Command{
		Use:   "subtask <parent-id>",
		Short: "Create a subtask under an existing task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parentID, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.CreateSubtask(ctx, parentID, f.createOptions(cmd))
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	f.register(cmd, false)
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var f taskFlags
	var clearFields []string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update the given fields of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			opts, err := f.updateOptions(cmd, id, clearFields)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				t, err := a.Engine.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	f.register(cmd, true)
	cmd.Flags().StringSliceVar(&clearFields, "clear", nil, "fields to clear: description,due,responsible,responsible-id,parent")
	return cmd
}

func (f *taskFlags) updateOptions(cmd *cobra.Command, id int64, clearFields []string) (engine.TaskUpdateOptions, error) {
	changed := cmd.Flags().Changed
	opts := engine.TaskUpdateOptions{ID: id}
	if changed("title") {
		opts.Title = engine.Value(f.title)
	}
	if changed("status") {
		opts.Status = engine.Value(f.status)
	}
	if changed("priority") {
		opts.Priority = engine.Value(f.priority)
	}
	if changed("description") {
		opts.Description = engine.Value(f.description)
	}
	if changed("due") {
		opts.DueDate = engine.Value(f.due)
	}
	if changed("responsible") {
		opts.Responsible = engine.Value(f.responsible)
	}
	if changed("responsible-id") {
		opts.ResponsibleID = engine.Value(f.responsibleID)
	}
	if changed("parent") {
		opts.ParentID = engine.Value(f.parent)
	}
	for _, field := range clearFields {
		switch strings.TrimSpace(field) {
		case "description":
			opts.Description = engine.Null[string]()
		case "due", "due_date":
			opts.DueDate = engine.Null[string]()
		case "responsible":
			opts.Responsible = engine.Null[string]()
		case "responsible-id", "responsible_id":
			opts.ResponsibleID = engine.Null[int64]()
		case "parent", "parent_id":
			opts.ParentID = engine.Null[int64]()
		default:
			return opts, fmt.Errorf("cannot clear %q", field)
		}
	}
	return opts, nil
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task and all its subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				deleted, err := a.Engine.DeleteTask(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deleted": deleted})
				}
				fmt.Printf("deleted %d task(s)\n", len(deleted))
				return nil
			})
		},
	}
}

func printTask(t domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	fmt.Printf("#%d %s [%s, %s]\n", t.ID, t.Title, t.Status, t.Priority)
	return nil
}

func printSubtask(t domain.Task, last bool) {
	connector := "├── "
	if last {
		connector = "└── "
	}
	fmt.Printf("%s#%d %s [%s]\n", connector, t.ID, t.Title, t.Status)
}

func parseTaskID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", raw)
	}
	return id, nil
}

func dueString(t domain.Task) string {
	if t.DueDate == nil {
		return ""
	}
	return t.DueDate.Format("2006-01-02 15:04 MST")
}

func responsibleString(t domain.Task) string {
	switch {
	case t.Responsible != nil:
		return *t.Responsible
	case t.ResponsibleID != nil:
		return fmt.Sprintf("user #%d", *t.ResponsibleID)
	}
	return ""
}
