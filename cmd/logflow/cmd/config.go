package cmd

import (
	"github.com/spf13/cobra"

	"github.com/oriys/logflow/internal/domain"
)

var (
	cfgTTLDays   int
	cfgRetention string
	cfgAlerting  bool
	cfgDailyCap  int64
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage per-service configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get <service>",
	Short: "Show a service config (defaults when none is stored)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := newClient().GetServiceConfig(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return NewPrinter().PrintServiceConfigs([]*domain.ServiceConfig{cfg})
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored service configs",
	RunE: func(cmd *cobra.Command, args []string) error {
		configs, err := newClient().ListServiceConfigs(cmd.Context())
		if err != nil {
			return err
		}
		return NewPrinter().PrintServiceConfigs(configs)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <service>",
	Short: "Create or update a service config",
	Long: `创建或更新服务配置。未指定的标志保留当前值（或默认值）。

Examples:
  logflow config set checkout --ttl-days 7
  logflow config set checkout --alerting --daily-cap 100000`,
	Args: cobra.ExactArgs(1),
	RunE: runConfigSet,
}

func init() {
	configSetCmd.Flags().IntVar(&cfgTTLDays, "ttl-days", 0, "日志保留天数，0 表示下次清理时删除全部")
	configSetCmd.Flags().StringVar(&cfgRetention, "retention", "", "保留等级（standard、extended、short）")
	configSetCmd.Flags().BoolVar(&cfgAlerting, "alerting", false, "启用告警（参与定时分析）")
	configSetCmd.Flags().Int64Var(&cfgDailyCap, "daily-cap", 0, "每日摄取上限，0 表示不限制")

	configCmd.AddCommand(configGetCmd, configListCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	client := newClient()
	cfg, err := client.GetServiceConfig(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("ttl-days") {
		cfg.TTLDays = cfgTTLDays
	}
	if flags.Changed("retention") {
		cfg.RetentionClass = domain.RetentionClass(cfgRetention)
	}
	if flags.Changed("alerting") {
		cfg.AlertingEnabled = cfgAlerting
	}
	if flags.Changed("daily-cap") {
		cfg.DailyCap = cfgDailyCap
	}
	cfg.Service = args[0]

	saved, err := client.PutServiceConfig(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	return NewPrinter().PrintServiceConfigs([]*domain.ServiceConfig{saved})
}
