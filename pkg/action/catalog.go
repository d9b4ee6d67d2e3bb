package action

// BuiltinCatalog returns the compiled-in macOS action allowlist. A deployment
// may replace it with a YAML allowlist file (see LoadCatalog); the shipped
// catalog mirrors what the desktop helper knows how to execute.
func BuiltinCatalog() []AllowlistedAction {
	return []AllowlistedAction{
		{
			ID:       "flush-dns-macos",
			Title:    "Flush DNS Cache (macOS)",
			OS:       PlatformMacOS,
			Category: "network",
			Implementation: Implementation{
				Description: "Clears the system DNS resolver cache and restarts mDNSResponder.",
				CommandTemplate: []string{
					"sudo dscacheutil -flushcache",
					"sudo killall -HUP mDNSResponder",
				},
				Reversible:    false,
				EstimatedTime: "10 seconds",
				Requirements:  []string{"Administrator privileges"},
				Risks:         []string{"Brief DNS resolution delay while the cache repopulates"},
			},
		},
		{
			ID:       "toggle-wifi-macos",
			Title:    "Toggle Wi-Fi (macOS)",
			OS:       PlatformMacOS,
			Category: "network",
			Implementation: Implementation{
				Description: "Cycles the Wi-Fi interface off and on, preserving the prior power state for rollback.",
				CommandTemplate: []string{
					"networksetup -getairportpower en0 > /tmp/wifi_state_backup.txt",
					"networksetup -setairportpower en0 off",
					"sleep 2",
					"networksetup -setairportpower en0 on",
				},
				Reversible:     true,
				RollbackMethod: "command_sequence",
				EstimatedTime:  "15 seconds",
				Requirements:   []string{"Administrator privileges"},
				Risks:          []string{"Active network connections drop during the cycle"},
			},
		},
		{
			ID:       "clear-app-cache",
			Title:    "Clear App Cache (macOS)",
			OS:       PlatformMacOS,
			Category: "storage",
			Implementation: Implementation{
				Description: "Backs up and removes the cache directory for a single application bundle.",
				CommandTemplate: []string{
					"mkdir -p /tmp/ohfixit_cache_backup/{bundleId}",
					"cp -R ~/Library/Caches/{bundleId} /tmp/ohfixit_cache_backup/{bundleId} 2>/dev/null || true",
					"rm -rf ~/Library/Caches/{bundleId}",
				},
				Params: []ParamSpec{
					{Name: "bundleId", Pattern: `^[A-Za-z0-9_.-]+$`},
				},
				Reversible:     true,
				RollbackMethod: "file_restore",
				EstimatedTime:  "30 seconds",
				Requirements:   []string{"Application should be quit first"},
				Risks: []string{
					"Application may rebuild its cache on next launch (slower first start)",
					"Unsaved in-app state held in cache is lost",
				},
			},
		},
		{
			ID:       "restart-finder",
			Title:    "Restart Finder (macOS)",
			OS:       PlatformMacOS,
			Category: "system",
			Implementation: Implementation{
				Description: "Restarts the Finder process. Open Finder windows close and reopen.",
				CommandTemplate: []string{
					"killall Finder",
				},
				Reversible:    false,
				EstimatedTime: "5 seconds",
				Risks:         []string{"Open Finder windows are closed"},
			},
		},
		{
			ID:       "clear-recent-items",
			Title:    "Clear Recent Items (macOS)",
			OS:       PlatformMacOS,
			Category: "privacy",
			Implementation: Implementation{
				Description: "Removes the recent applications, documents and servers lists.",
				CommandTemplate: []string{
					"defaults delete com.apple.recentitems RecentApplications 2>/dev/null || true",
					"defaults delete com.apple.recentitems RecentDocuments 2>/dev/null || true",
					"defaults delete com.apple.recentitems RecentServers 2>/dev/null || true",
				},
				Reversible:    false,
				EstimatedTime: "5 seconds",
				Risks:         []string{"Recent-item shortcuts disappear from menus"},
			},
		},
		{
			ID:       "reset-launchpad",
			Title:    "Reset Launchpad Layout (macOS)",
			OS:       PlatformMacOS,
			Category: "system",
			Implementation: Implementation{
				Description: "Resets the Launchpad icon layout to factory order and restarts the Dock.",
				CommandTemplate: []string{
					"defaults write com.apple.dock ResetLaunchPad -bool true",
					"killall Dock",
				},
				Reversible:    false,
				EstimatedTime: "10 seconds",
				Risks:         []string{"Custom Launchpad arrangement is lost", "Dock briefly disappears"},
			},
		},
		{
			ID:       "clear-system-logs",
			Title:    "Clear Old System Logs (macOS)",
			OS:       PlatformMacOS,
			Category: "storage",
			Implementation: Implementation{
				Description: "Deletes archived ASL system logs and diagnostic messages to reclaim disk space.",
				CommandTemplate: []string{
					"sudo rm -rf /private/var/log/asl/*.asl 2>/dev/null || true",
					"sudo rm -rf /private/var/log/DiagnosticMessages/*.asl 2>/dev/null || true",
				},
				Reversible:    false,
				EstimatedTime: "10 seconds",
				Requirements:  []string{"Administrator privileges"},
				Risks:         []string{"Historical log data is unrecoverable afterwards"},
			},
		},
	}
}
