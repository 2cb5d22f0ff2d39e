package main

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/basket/pickupbot/internal/config"
	"github.com/basket/pickupbot/internal/persistence"
	"github.com/basket/pickupbot/internal/pickup"
)

var registryValidate = validator.New(validator.WithRequiredStructEnabled())

type parentInput struct {
	TelegramID int64  `validate:"gt=0"`
	FullName   string `validate:"required,max=200"`
	Phone      string `validate:"omitempty,e164"`
}

type childInput struct {
	ParentID  int64  `validate:"gt=0"`
	FullName  string `validate:"required,max=200"`
	ClassName string `validate:"required,max=20"`
}

// withStore opens the configured database for one registry command.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store *persistence.Store, w io.Writer) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	store, err := persistence.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cmd.Context(), store, cmd.OutOrStdout())
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func parentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parent",
		Short: "Manage registered parents",
	}

	var in parentInput
	var verified bool
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a parent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store *persistence.Store, w io.Writer) error {
				return addParent(ctx, store, w, in, verified)
			})
		},
	}
	add.Flags().Int64Var(&in.TelegramID, "telegram-id", 0, "Telegram user id")
	add.Flags().StringVar(&in.FullName, "name", "", "full name")
	add.Flags().StringVar(&in.Phone, "phone", "", "phone number in E.164 form")
	add.Flags().BoolVar(&verified, "verified", true, "allow pickups immediately")

	show := &cobra.Command{
		Use:   "show <parent-id>",
		Short: "Show a parent and their children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, store *persistence.Store, w io.Writer) error {
				return showParent(ctx, store, w, id)
			})
		},
	}

	var unblock bool
	block := &cobra.Command{
		Use:   "block <parent-id>",
		Short: "Stop a parent from requesting pickups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, store *persistence.Store, w io.Writer) error {
				if err := store.SetParentBlocked(ctx, id, !unblock); err != nil {
					return err
				}
				fmt.Fprintf(w, "Parent %d blocked=%t\n", id, !unblock)
				return nil
			})
		},
	}
	block.Flags().BoolVar(&unblock, "unblock", false, "lift the block instead")

	var unverify bool
	verify := &cobra.Command{
		Use:   "verify <parent-id>",
		Short: "Mark a parent as verified",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, store *persistence.Store, w io.Writer) error {
				if err := store.SetParentVerified(ctx, id, !unverify); err != nil {
					return err
				}
				fmt.Fprintf(w, "Parent %d verified=%t\n", id, !unverify)
				return nil
			})
		},
	}
	verify.Flags().BoolVar(&unverify, "revoke", false, "revoke verification instead")

	remove := &cobra.Command{
		Use:   "remove <parent-id>",
		Short: "Delete a parent, their children and their pickup history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, store *persistence.Store, w io.Writer) error {
				if err := store.DeleteParent(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(w, "Parent %d removed\n", id)
				return nil
			})
		},
	}

	cmd.AddCommand(add, show, block, verify, remove)
	return cmd
}

func childCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "child",
		Short: "Manage children",
	}

	var in childInput
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a child to a parent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store *persistence.Store, w io.Writer) error {
				return addChild(ctx, store, w, in)
			})
		},
	}
	add.Flags().Int64Var(&in.ParentID, "parent", 0, "parent id")
	add.Flags().StringVar(&in.FullName, "name", "", "full name")
	add.Flags().StringVar(&in.ClassName, "class", "", "class, e.g. 2A")

	remove := &cobra.Command{
		Use:   "remove <child-id>",
		Short: "Delete a child record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, store *persistence.Store, w io.Writer) error {
				if err := store.DeleteChild(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(w, "Child %d removed\n", id)
				return nil
			})
		},
	}

	cmd.AddCommand(add, remove)
	return cmd
}

func addParent(ctx context.Context, store *persistence.Store, w io.Writer, in parentInput, verified bool) error {
	if err := registryValidate.Struct(in); err != nil {
		return fmt.Errorf("invalid parent: %w", err)
	}
	if existing, err := store.GetParentByTelegramID(ctx, in.TelegramID); err == nil {
		return fmt.Errorf("telegram id %d is already registered as parent %d", in.TelegramID, existing.ID)
	}
	p, err := store.CreateParent(ctx, pickup.Parent{
		TelegramID: in.TelegramID,
		FullName:   in.FullName,
		Phone:      in.Phone,
		IsVerified: verified,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Parent %d registered: %s (telegram %d)\n", p.ID, p.FullName, p.TelegramID)
	return nil
}

func addChild(ctx context.Context, store *persistence.Store, w io.Writer, in childInput) error {
	if err := registryValidate.Struct(in); err != nil {
		return fmt.Errorf("invalid child: %w", err)
	}
	c, err := store.CreateChild(ctx, pickup.Child{ParentID: in.ParentID, FullName: in.FullName, ClassName: in.ClassName})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Child %d added: %s, class %s (parent %d)\n", c.ID, c.FullName, c.ClassName, c.ParentID)
	return nil
}

func showParent(ctx context.Context, store *persistence.Store, w io.Writer, id int64) error {
	p, err := store.GetParent(ctx, id)
	if err != nil {
		return err
	}
	kids, err := store.ListChildren(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Parent %d: %s\n", p.ID, p.FullName)
	fmt.Fprintf(w, "  telegram: %d\n", p.TelegramID)
	if p.Phone != "" {
		fmt.Fprintf(w, "  phone:    %s\n", p.Phone)
	}
	fmt.Fprintf(w, "  verified: %t  blocked: %t\n", p.IsVerified, p.IsBlocked)
	if len(kids) == 0 {
		fmt.Fprintln(w, "  no children")
		return nil
	}
	for _, c := range kids {
		fmt.Fprintf(w, "  child %d: %s, class %s\n", c.ID, c.FullName, c.ClassName)
	}
	return nil
}
