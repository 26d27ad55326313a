package kafka

import segkafka "github.com/segmentio/kafka-go"

// HeaderCarrier lets the OpenTelemetry propagator read and write trace
// context in Kafka message headers.
type HeaderCarrier []segkafka.Header

// Get returns the first value stored under key.
func (c HeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set stores value under key, overwriting an existing header in place.
func (c *HeaderCarrier) Set(key, value string) {
	for i := range *c {
		if (*c)[i].Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, segkafka.Header{Key: key, Value: []byte(value)})
}

// Keys lists header keys in message order.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for _, h := range c {
		keys = append(keys, h.Key)
	}
	return keys
}
