package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spinforge/spinforge/pkg/config"
	"github.com/spinforge/spinforge/pkg/ledger"
	"github.com/spinforge/spinforge/pkg/storage"
	"github.com/spinforge/spinforge/pkg/types"
	"github.com/spinforge/spinforge/pkg/validator"
)

func loadStore(cmd *cobra.Command) (storage.Store, config.Config, error) {
	configPath, _ := rootCmd.PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, cfg, err
	}
	store, err := openStore(cmd.Context(), cfg)
	return store, cfg, err
}

// Order commands
var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Manage delivery orders",
}

var orderCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new order",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cfg, err := loadStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		userID, _ := cmd.Flags().GetString("user")
		targetURL, _ := cmd.Flags().GetString("url")
		quantity, _ := cmd.Flags().GetInt("quantity")
		price, _ := cmd.Flags().GetString("price")
		externalKey, _ := cmd.Flags().GetString("external-key")
		windowHours, _ := cmd.Flags().GetInt("window-hours")

		pricePerUnit, err := decimal.NewFromString(price)
		if err != nil {
			return fmt.Errorf("invalid price: %w", err)
		}

		eng := ledger.NewEngine(store, ledger.Config{
			SplitSize:         cfg.SplitSize,
			MaxAttempts:       cfg.MaxAttempts,
			InstantThreshold:  instantThreshold(cfg),
			ForceTaskDelivery: cfg.ForceTaskDelivery,
			RefundEnabled:     cfg.RefundEnabled,
		}, nil)

		result, err := eng.CreateOrder(cmd.Context(), ledger.CreateOrderRequest{
			UserID:       userID,
			TargetURL:    targetURL,
			Quantity:     quantity,
			PricePerUnit: pricePerUnit,
			ExternalKey:  externalKey,
			Window:       time.Duration(windowHours) * time.Hour,
		})
		if err != nil {
			return err
		}

		switch result.Status {
		case ledger.CreateOK:
			fmt.Printf("Order created: %s\n", result.Order.ID)
			fmt.Printf("  Quantity: %s\n", types.GroupDigits(result.Order.Quantity))
			fmt.Printf("  Total cost: $%s\n", result.Order.TotalCost.String())
		case ledger.CreateDuplicateKey:
			fmt.Printf("Order already exists: %s\n", result.Order.ID)
		default:
			return fmt.Errorf("order rejected (%s): %s", result.Status, result.Reason)
		}
		return nil
	},
}

var orderStatusCmd = &cobra.Command{
	Use:   "status <order-id>",
	Short: "Show order progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := loadStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		order, err := store.GetOrder(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Order %s\n", order.ID)
		fmt.Printf("  Status: %s\n", order.Status)
		fmt.Printf("  Delivered: %s / %s\n", types.GroupDigits(order.Delivered), types.GroupDigits(order.Quantity))
		fmt.Printf("  Failed: %s\n", types.GroupDigits(order.FailedPermanent))
		fmt.Printf("  Remains: %s\n", types.GroupDigits(order.Remains))
		fmt.Printf("  Refunded: $%s\n", order.RefundAmount.String())
		if order.Notes != "" {
			fmt.Printf("  Notes: %s\n", order.Notes)
		}
		return nil
	},
}

var orderCancelCmd = &cobra.Command{
	Use:   "cancel <order-id>",
	Short: "Cancel an order and refund its unfinished tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cfg, err := loadStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		eng := ledger.NewEngine(store, ledger.Config{
			RefundEnabled: cfg.RefundEnabled,
		}, nil)
		order, err := eng.CancelOrder(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Order %s is now %s\n", order.ID, order.Status)
		return nil
	},
}

// User commands
var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userAddCmd = &cobra.Command{
	Use:   "add <user-id>",
	Short: "Create a user with an initial balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := loadStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		balanceStr, _ := cmd.Flags().GetString("balance")
		balance, err := decimal.NewFromString(balanceStr)
		if err != nil {
			return fmt.Errorf("invalid balance: %w", err)
		}
		if err := store.CreateUser(cmd.Context(), &types.User{
			ID:        args[0],
			Balance:   balance,
			CreatedAt: time.Now(),
		}); err != nil {
			return err
		}
		fmt.Printf("User %s created with balance $%s\n", args[0], balance.String())
		return nil
	},
}

// Proxy commands
var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Manage proxy nodes",
}

var proxyAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a proxy node",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := loadStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		endpoint, _ := cmd.Flags().GetString("endpoint")
		tier, _ := cmd.Flags().GetString("tier")
		country, _ := cmd.Flags().GetString("country")
		capacity, _ := cmd.Flags().GetInt("capacity")

		node := &types.ProxyNode{
			ID:        uuid.New().String(),
			Endpoint:  endpoint,
			Tier:      types.ProxyTier(tier),
			Country:   country,
			Capacity:  capacity,
			Status:    types.ProxyStatusOnline,
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		if err := store.CreateProxyNode(cmd.Context(), node); err != nil {
			return err
		}
		fmt.Printf("Proxy node registered: %s (%s, %s)\n", node.ID, node.Tier, node.Endpoint)
		return nil
	},
}

var proxyReviveCmd = &cobra.Command{
	Use:   "revive <node-id>",
	Short: "Bring an offlined proxy node back online",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := loadStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.SetProxyNodeStatus(cmd.Context(), args[0], types.ProxyStatusOnline); err != nil {
			return err
		}
		fmt.Printf("Proxy node %s is back online\n", args[0])
		return nil
	},
}

// Validate command
var validateCmd = &cobra.Command{
	Use:   "validate [order-id]",
	Short: "Verify accounting invariants",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cfg, err := loadStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		v := validator.New(store, cfg.OrphanThreshold())
		var report *validator.Report
		if len(args) == 1 {
			report, err = v.ValidateOrder(cmd.Context(), args[0])
		} else {
			report, err = v.Scan(cmd.Context())
		}
		if err != nil {
			return err
		}

		fmt.Printf("Checked %d orders, %d tasks\n", report.OrdersChecked, report.TasksChecked)
		if report.Valid() {
			fmt.Println("All invariants hold")
			return nil
		}
		for _, violation := range report.Violations {
			fmt.Printf("  [%s] order=%s task=%s: %s\n",
				violation.Invariant, violation.OrderID, violation.TaskID, violation.Detail)
		}
		return fmt.Errorf("%d invariant violations found", len(report.Violations))
	},
}

func init() {
	orderCreateCmd.Flags().String("user", "", "User ID placing the order")
	orderCreateCmd.Flags().String("url", "", "Target URL to deliver plays against")
	orderCreateCmd.Flags().Int("quantity", 0, "Number of plays to deliver")
	orderCreateCmd.Flags().String("price", "0.0002", "Price per play")
	orderCreateCmd.Flags().String("external-key", "", "Client idempotency key")
	orderCreateCmd.Flags().Int("window-hours", 24, "Delivery window in hours")
	orderCmd.AddCommand(orderCreateCmd)
	orderCmd.AddCommand(orderStatusCmd)
	orderCmd.AddCommand(orderCancelCmd)

	userAddCmd.Flags().String("balance", "0", "Initial balance")
	userCmd.AddCommand(userAddCmd)

	proxyAddCmd.Flags().String("endpoint", "", "Proxy endpoint host:port")
	proxyAddCmd.Flags().String("tier", string(types.TierDatacenter), "Proxy tier")
	proxyAddCmd.Flags().String("country", "", "Proxy country code")
	proxyAddCmd.Flags().Int("capacity", 10, "Concurrent task capacity")
	proxyCmd.AddCommand(proxyAddCmd)
	proxyCmd.AddCommand(proxyReviveCmd)
}
