// Package config loads the serversync process configuration.
//
// Values come from, in increasing priority: Default, a YAML file, and
// environment variables prefixed with SERVERSYNC_. Nested keys are
// separated by a double underscore in variable names:
//
//	SERVERSYNC_SYNC__SLICE_SIZE=100000   -> sync.slice_size
//	SERVERSYNC_ADMINS=alice,bob          -> admins
//
// # Configuration File Structure
//
//	name: lobby
//	mode: server            # server or client
//	listen: ":7777"
//	server_url: http://127.0.0.1:7777/sync
//	admins: [alice]
//	sync:
//	  slice_size: 250000
//	  queue_timeout: 30s
//	settings:
//	  backend: file         # memory, file or s3
//	  path: settings.toml
//	  watch: true
//	log:
//	  level: info
//	  format: text
//	registries:
//	  - name: game
//	    version: 1.2.0
//	    required: true
//	    fields:
//	      - section: Gameplay
//	        key: Difficulty
//	        type: int32
//	        default: 2
//
// A Watcher reloads the file on change; the serve and connect commands
// use it to refresh the admin list without a restart.
package config
