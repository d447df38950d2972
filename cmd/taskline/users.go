package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskline/internal/app"
	"taskline/internal/domain"
)

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users tasks can be assigned to"}
	user.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				users, err := a.Engine.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email"})
				for _, u := range users {
					email := ""
					if u.Email != nil {
						email = *u.Email
					}
					tw.AppendRow(table.Row{u.ID, u.Name, email})
				}
				tw.Render()
				return nil
			})
		},
	})

	var name, email string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				var emailPtr *string
				if cmd.Flags().Changed("email") {
					emailPtr = &email
				}
				u, err := a.Engine.CreateUser(ctx, name, emailPtr)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(u)
				}
				fmt.Printf("user #%d %s\n", u.ID, u.Name)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "user name")
	create.Flags().StringVar(&email, "email", "", "email address")
	user.AddCommand(create)
	return user
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	var n int
	var taskID int64
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				events := a.Engine.RecentEvents
				if taskID > 0 {
					events = func(ctx context.Context, limit int) ([]domain.Event, error) {
						return a.Engine.TaskEvents(ctx, taskID, limit)
					}
				}
				items, err := events(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Request", "Payload"})
				for _, e := range items {
					entity := e.EntityKind
					if e.EntityID != nil {
						entity += " #" + strconv.FormatInt(*e.EntityID, 10)
					}
					tw.AppendRow(table.Row{e.ID, e.TS.Format("2006-01-02 15:04:05"), e.Type, entity, e.RequestID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "n", "n", 20, "number of events")
	tail.Flags().Int64Var(&taskID, "task", 0, "only events of this task")
	logRoot.AddCommand(tail)
	return logRoot
}
