package varlet

// Contain the ClientUpdater object, which publishes JSON-encoded messages
// giving the latest VARLET state.

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/spf13/viper"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// clientMessageChan is where any part of the program sends status updates
// that should reach the clients.
var clientMessageChan chan ClientUpdate

func init() {
	clientMessageChan = make(chan ClientUpdate, 10)
}

// Volatile message tags that should not be persisted in the config file.
var nosavestate = []string{"ALIVE", "SUMMARY", "NUMBERWRITTEN"}

func contains(list []string, val string) bool {
	for _, s := range list {
		if s == val {
			return true
		}
	}
	return false
}

func publish(pubSocket *zmq.Socket, update ClientUpdate, message []byte) {
	tag := update.tag
	pubSocket.SendBytes([]byte(tag), zmq.SNDMORE)
	pubSocket.SendBytes(message, 0)

	// The ALIVE and SUMMARY messages repeat far too often to log each one.
	if tag != "ALIVE" && tag != "SUMMARY" {
		UpdateLogger.Printf("Sent %s: %s", tag, message)
	}
}

// saveState stores server configuration to the standard config file.
func saveState(lastMessages map[string]interface{}) {
	lastMessages["CURRENTTIME"] = time.Now().Format(time.UnixDate)
	for k, v := range lastMessages {
		if !contains(nosavestate, k) {
			viper.Set(strings.ToLower(k), v)
		}
	}
	if err := viper.WriteConfig(); err != nil {
		log.Println("Could not store config file: ", err)
	}
}

// RunClientUpdater publishes any message from clientMessageChan on the ZMQ
// status socket, so clients can learn all information they need to know.
// It also saves the program state to the viper config file, both periodically
// and shortly after any change.
func RunClientUpdater(portstatus int, abort <-chan struct{}) {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return
	}
	defer pubSocket.Close()
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	if err = pubSocket.Bind(hostname); err != nil {
		return
	}

	// Save the state to the standard saved-state file this often.
	savePeriod := time.Minute
	saveStateRegularlyTicker := time.NewTicker(savePeriod)
	defer saveStateRegularlyTicker.Stop()

	// And also save state every time it's changed, but after a delay of this long.
	saveDelayAfterChange := time.Second * 2
	saveStateOnceTimer := time.NewTimer(saveDelayAfterChange)

	// Here, store the last message of each type seen. Use when storing state.
	lastMessages := make(map[string]interface{})
	lastMessageStrings := make(map[string]string)

	for {
		select {
		case <-abort:
			return

		case update := <-clientMessageChan:
			if update.tag == "SENDALL" {
				for k, v := range lastMessages {
					publish(pubSocket, ClientUpdate{tag: k, state: v}, []byte(lastMessageStrings[k]))
				}
				continue
			}

			message, err := json.Marshal(update.state)
			if err != nil {
				continue
			}
			updateString := string(message)

			// Send state to clients now.
			publish(pubSocket, update, message)

			// Don't reset the save-state timer if the message was a no-op.
			nodiff := updateString == lastMessageStrings[update.tag]
			lastMessages[update.tag] = update.state
			lastMessageStrings[update.tag] = updateString
			if !nodiff {
				saveStateOnceTimer.Stop()
				saveStateOnceTimer = time.NewTimer(saveDelayAfterChange)
			}

		case <-saveStateRegularlyTicker.C:
			saveState(lastMessages)

		case <-saveStateOnceTimer.C:
			saveState(lastMessages)
		}
	}
}
