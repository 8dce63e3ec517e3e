//go:build bdd

package steps

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cucumber/godog"
)

// RegisterBrokerSteps wires the broker step definitions into a scenario.
func RegisterBrokerSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	ctx.Step(`^a topic "([^"]*)" with no schemas$`, tc.aTopicWithNoSchemas)
	ctx.Step(`^a topic "([^"]*)" whose type "([^"]*)" requires the field "([^"]*)"$`, tc.aTopicWithRequiredField)

	ctx.Step(`^I publish a "([^"]*)" event to "([^"]*)" with payload:$`, tc.iPublishWithPayload)
	ctx.Step(`^I publish (\d+) "([^"]*)" events to "([^"]*)"$`, tc.iPublishNEvents)
	ctx.Step(`^I replace the schemas of "([^"]*)" with only type "([^"]*)"$`, tc.iReplaceSchemas)
	ctx.Step(`^I read events from "([^"]*)" after "([^"]*)"$`, tc.iReadEventsAfter)
	ctx.Step(`^I read events from "([^"]*)"$`, tc.iReadEvents)

	ctx.Step(`^the response status is (\d+)$`, tc.theResponseStatusIs)
	ctx.Step(`^the response lists event id "([^"]*)"$`, tc.theResponseListsEventID)
	ctx.Step(`^the response carries validation details$`, tc.theResponseCarriesDetails)
	ctx.Step(`^I receive (\d+) events$`, tc.iReceiveNEvents)
	ctx.Step(`^event (\d+) has id "([^"]*)"$`, tc.eventHasID)

	ctx.Step(`^a webhook consumer subscribed to "([^"]*)"$`, tc.aWebhookConsumer)
	ctx.Step(`^the webhook receives event "([^"]*)" within (\d+) seconds$`, tc.theWebhookReceivesEvent)
}

func (tc *TestContext) aTopicWithNoSchemas(name string) error {
	if err := tc.POST("/topics", map[string]interface{}{"name": name}); err != nil {
		return err
	}
	if tc.LastStatusCode != 201 {
		return fmt.Errorf("create topic %s: status %d: %s", name, tc.LastStatusCode, tc.LastBody)
	}
	return nil
}

func (tc *TestContext) aTopicWithRequiredField(name, eventType, field string) error {
	body := map[string]interface{}{
		"name": name,
		"schemas": []map[string]interface{}{{
			"eventType": eventType,
			"schema": map[string]interface{}{
				"type":     "object",
				"required": []string{field},
				"properties": map[string]interface{}{
					field: map[string]interface{}{"type": "string"},
				},
			},
		}},
	}
	if err := tc.POST("/topics", body); err != nil {
		return err
	}
	if tc.LastStatusCode != 201 {
		return fmt.Errorf("create topic %s: status %d: %s", name, tc.LastStatusCode, tc.LastBody)
	}
	return nil
}

func (tc *TestContext) iPublishWithPayload(eventType, topicName string, payload *godog.DocString) error {
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(payload.Content), &parsed); err != nil {
		return fmt.Errorf("parse payload docstring: %w", err)
	}
	return tc.POST("/events", []map[string]interface{}{
		{"topic": topicName, "type": eventType, "payload": parsed},
	})
}

func (tc *TestContext) iPublishNEvents(n int, eventType, topicName string) error {
	batch := make([]map[string]interface{}, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, map[string]interface{}{
			"topic":   topicName,
			"type":    eventType,
			"payload": map[string]interface{}{},
		})
	}
	return tc.POST("/events", batch)
}

func (tc *TestContext) iReplaceSchemas(topicName, eventType string) error {
	return tc.PUT("/topics/"+topicName, map[string]interface{}{
		"schemas": []map[string]interface{}{{
			"eventType": eventType,
			"schema":    map[string]interface{}{"type": "object"},
		}},
	})
}

func (tc *TestContext) iReadEventsAfter(topicName, sinceEventID string) error {
	return tc.GET("/topics/" + topicName + "/events?sinceEventId=" + sinceEventID)
}

func (tc *TestContext) iReadEvents(topicName string) error {
	return tc.GET("/topics/" + topicName + "/events")
}

func (tc *TestContext) theResponseStatusIs(status int) error {
	if tc.LastStatusCode != status {
		return fmt.Errorf("expected status %d, got %d: %s", status, tc.LastStatusCode, tc.LastBody)
	}
	return nil
}

func (tc *TestContext) theResponseListsEventID(id string) error {
	ids, ok := tc.LastJSON["eventIds"].([]interface{})
	if !ok {
		return fmt.Errorf("no eventIds in response: %s", tc.LastBody)
	}
	for _, v := range ids {
		if v == id {
			return nil
		}
	}
	return fmt.Errorf("event id %s not in %v", id, ids)
}

func (tc *TestContext) theResponseCarriesDetails() error {
	details, ok := tc.LastJSON["details"].([]interface{})
	if !ok || len(details) == 0 {
		return fmt.Errorf("no validation details in response: %s", tc.LastBody)
	}
	return nil
}

func (tc *TestContext) responseEvents() ([]interface{}, error) {
	events, ok := tc.LastJSON["events"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("no events in response: %s", tc.LastBody)
	}
	return events, nil
}

func (tc *TestContext) iReceiveNEvents(n int) error {
	events, err := tc.responseEvents()
	if err != nil {
		return err
	}
	if len(events) != n {
		return fmt.Errorf("expected %d events, got %d", n, len(events))
	}
	return nil
}

func (tc *TestContext) eventHasID(index int, id string) error {
	events, err := tc.responseEvents()
	if err != nil {
		return err
	}
	if index < 1 || index > len(events) {
		return fmt.Errorf("event index %d out of range (%d events)", index, len(events))
	}
	ev, ok := events[index-1].(map[string]interface{})
	if !ok || ev["id"] != id {
		return fmt.Errorf("expected event %d to have id %s, got %v", index, id, events[index-1])
	}
	return nil
}

func (tc *TestContext) aWebhookConsumer(topicName string) error {
	callback := tc.StartWebhook()
	if err := tc.POST("/consumers/register", map[string]interface{}{
		"callback": callback,
		"topics":   map[string]interface{}{topicName: nil},
	}); err != nil {
		return err
	}
	if tc.LastStatusCode != 201 {
		return fmt.Errorf("register consumer: status %d: %s", tc.LastStatusCode, tc.LastBody)
	}
	return nil
}

func (tc *TestContext) theWebhookReceivesEvent(id string, seconds int) error {
	deadline := time.Now().Add(time.Duration(seconds) * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range tc.DeliveredEvents() {
			if ev["id"] == id {
				return nil
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("webhook never received event %s; got %v", id, tc.DeliveredEvents())
}
