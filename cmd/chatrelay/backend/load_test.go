package backend_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatrelay/cmd/chatrelay/backend"
	"github.com/papercomputeco/chatrelay/pkg/config"
)

var _ = Describe("LoadConfig", func() {
	var (
		configDir string
		cmd       *cobra.Command
		listen    string
		model     string
	)

	BeforeEach(func() {
		configDir = GinkgoT().TempDir()
		Expect(os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(`[relay]
listen = ":4100"

[provider]
type = "ollama"
model = "llama3.2"
`), 0o600)).To(Succeed())

		cmd = &cobra.Command{Use: "test"}
		cmd.Flags().String("config-dir", configDir, "")
		config.AddStringFlag(cmd, config.Flags, config.FlagRelayListen, &listen)
		config.AddStringFlag(cmd, config.Flags, config.FlagModel, &model)
	})

	It("reads the config file", func() {
		cfg, err := backend.LoadConfig(cmd, []string{config.FlagRelayListen, config.FlagModel})
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Relay.Listen).To(Equal(":4100"))
		Expect(cfg.Provider.Type).To(Equal("ollama"))
		Expect(cfg.Provider.Model).To(Equal("llama3.2"))
		Expect(cfg.API.Listen).To(Equal(config.NewDefaultConfig().API.Listen))
	})

	It("lets flags win over the file", func() {
		Expect(cmd.Flags().Set("relay-listen", ":4200")).To(Succeed())

		cfg, err := backend.LoadConfig(cmd, []string{config.FlagRelayListen, config.FlagModel})
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.Relay.Listen).To(Equal(":4200"))
		Expect(cfg.Provider.Model).To(Equal("llama3.2"))
	})
})

var _ = Describe("NewLogger", func() {
	It("also writes JSON records to the log file", func() {
		path := filepath.Join(GinkgoT().TempDir(), "relay.log")

		log, closer, err := backend.NewLogger(false, path)
		Expect(err).NotTo(HaveOccurred())
		log.Info("turn recorded", "chat_id", "c1")
		Expect(closer.Close()).To(Succeed())

		data, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(ContainSubstring(`"msg":"turn recorded"`))
		Expect(string(data)).To(ContainSubstring(`"chat_id":"c1"`))
	})

	It("needs no file", func() {
		log, closer, err := backend.NewLogger(true, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(log.Enabled(context.Background(), slog.LevelDebug)).To(BeTrue())
		Expect(closer.Close()).To(Succeed())
	})
})
